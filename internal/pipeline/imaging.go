package pipeline

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"

	// Fallback decode support for the formats the profile can allow
	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImagingBackend is the pure-Go fallback decode backend. It supports fewer
// color spaces than vips but has no native dependencies and is always
// available.
type ImagingBackend struct{}

// NewImagingBackend returns the fallback DecodeBackend.
func NewImagingBackend() *ImagingBackend {
	return &ImagingBackend{}
}

// Name returns the backend label.
func (b *ImagingBackend) Name() string { return "imaging" }

// Decode fully decodes the image at path with EXIF orientation applied.
func (b *ImagingBackend) Decode(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Kind: KindLoadFailed, Backend: b.Name(), Err: err}
	}
	return img, nil
}

// Normalize decodes and re-encodes the image at path to mime. Opening with
// AutoOrientation bakes the EXIF orientation into the pixels, and the
// re-encode drops all metadata: imaging writes none.
func (b *ImagingBackend) Normalize(path string, mime string) ([]byte, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Kind: KindLoadFailed, Backend: b.Name(), Err: err}
	}

	format := imaging.JPEG
	if mime == "image/png" {
		format = imaging.PNG
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return nil, &DecodeError{Kind: KindEncodeFailed, Backend: b.Name(), Err: err}
	}
	return buf.Bytes(), nil
}
