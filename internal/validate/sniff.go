package validate

import (
	"net/http"
	"strings"
)

// DetectMime identifies the MIME type of an image from its magic bytes.
// Returns "" when the header matches no supported image format.
func DetectMime(header []byte) string {
	switch {
	case len(header) >= 3 && header[0] == 0xFF && header[1] == 0xD8 && header[2] == 0xFF:
		return "image/jpeg"

	case len(header) >= 8 && header[0] == 0x89 && header[1] == 0x50 && header[2] == 0x4E && header[3] == 0x47:
		return "image/png"

	case len(header) >= 4 && header[0] == 0x47 && header[1] == 0x49 && header[2] == 0x46 && header[3] == 0x38:
		return "image/gif"

	case len(header) >= 12 && header[0] == 0x52 && header[1] == 0x49 && header[2] == 0x46 && header[3] == 0x46 &&
		header[8] == 0x57 && header[9] == 0x45 && header[10] == 0x42 && header[11] == 0x50:
		return "image/webp"

	case len(header) >= 2 && header[0] == 0x42 && header[1] == 0x4D:
		return "image/bmp"

	case len(header) >= 4 && ((header[0] == 0x49 && header[1] == 0x49 && header[2] == 0x2A && header[3] == 0x00) ||
		(header[0] == 0x4D && header[1] == 0x4D && header[2] == 0x00 && header[3] == 0x2A)):
		return "image/tiff"
	}

	return ""
}

// SniffMime runs the stdlib content sniffer and strips any charset
// parameters it appends.
func SniffMime(header []byte) string {
	mime := http.DetectContentType(header)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// formatMime maps image.DecodeConfig format names to MIME types. This is
// the container-metadata detector: the format comes from parsing the image
// header, not from sniffing raw bytes.
var formatMime = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
}
