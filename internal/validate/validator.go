package validate

import (
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Container metadata parsing for the formats the profile can allow
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"media-intake/internal/config"
	"media-intake/internal/logging"
	"media-intake/internal/metrics"
)

// Decoder performs a full decode of a candidate file. The normalization
// pipeline's backends satisfy this.
type Decoder interface {
	Name() string
	Decode(path string) (image.Image, error)
}

// Candidate is an untrusted upload staged on disk, together with everything
// the client claimed about it. None of the claims are trusted until
// validation passes.
type Candidate struct {
	Path         string
	Filename     string
	DeclaredMime string
	Size         int64
}

// Verdict is the trusted result of a passed validation. The MIME type is
// only set after the container-metadata detector and the content sniffer
// agree (or the mismatch policy explicitly allowed the sniffed result).
type Verdict struct {
	Mime       string
	Ext        string
	Width      int
	Height     int
	Size       int64
	Normalized bool
}

// Validator decodes and inspects candidate files against a constraint
// profile. It is stateless; the only side effect is the optional
// normalization pass, which atomically replaces the candidate on disk.
type Validator struct {
	profile  config.ConstraintProfile
	decoder  Decoder
	patterns *PatternScanner
}

// New creates a Validator. The decoder is the primary decode backend,
// injected so validation and normalization agree on what "decodable" means.
func New(profile config.ConstraintProfile, decoder Decoder) *Validator {
	return &Validator{
		profile:  profile,
		decoder:  decoder,
		patterns: NewPatternScanner(profile.ScanWindow()),
	}
}

// Validate runs the gate sequence against a candidate. Each gate is a hard
// stop: the first failure returns a typed *Rejection and no further gates
// run. On success the returned Verdict carries the trusted MIME type and
// pixel dimensions.
func (v *Validator) Validate(c Candidate) (*Verdict, error) {
	start := time.Now()
	verdict, err := v.validate(c)
	metrics.ValidationDuration.WithLabelValues("inspect").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ValidationsTotal.WithLabelValues("reject").Inc()
		if rej, ok := err.(*Rejection); ok {
			metrics.RejectionsTotal.WithLabelValues(string(rej.Reason)).Inc()
		}
		return nil, err
	}
	metrics.ValidationsTotal.WithLabelValues("pass").Inc()
	return verdict, nil
}

func (v *Validator) validate(c Candidate) (*Verdict, error) {
	// Gate 1: pattern scan of the file head
	window, err := readWindow(c.Path, v.patterns.Window())
	if err != nil {
		return nil, &Rejection{Reason: ReasonInvalidFile, Detail: "unreadable candidate", Err: err}
	}
	if pattern, found := v.patterns.Scan(window); found {
		logging.Warn("Rejected %s: dangerous pattern %q in file head", c.Filename, pattern)
		return nil, reject(ReasonMaliciousPayload, "dangerous pattern in file head")
	}

	// Gate 2: size bounds
	if c.Size <= 0 {
		return nil, reject(ReasonInvalidFile, "empty file")
	}
	if c.Size > v.profile.MaxBytes {
		return nil, reject(ReasonInvalidFile, "file size %d exceeds maximum %d", c.Size, v.profile.MaxBytes)
	}

	// Gate 3: extension allow-list
	ext := extensionOf(c.Filename)
	extMime, allowed := v.profile.AllowedTypes[ext]
	if !allowed {
		return nil, reject(ReasonInvalidFile, "extension %q is not allowed", ext)
	}

	// Gate 4: container metadata parse (dimensions without full decode)
	cfg, format, err := decodeConfigFile(c.Path)
	if err != nil {
		return nil, &Rejection{Reason: ReasonInvalidFile, Detail: "unparseable image header", Err: err}
	}

	// Gate 5: dimension bounds
	if err := v.checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	// Gate 6: decompression bomb ratio, from header metadata only.
	// This must run before the full decode so a bomb never reaches it.
	bits := bitsPerPixel(cfg.ColorModel)
	if err := v.checkBombRatio(cfg.Width, cfg.Height, bits, c.Size); err != nil {
		return nil, err
	}

	// Gate 7: cross-validate container MIME against content-sniffed MIME.
	// On disagreement the sniffer wins; trusting the container metadata
	// would let a renamed payload pick its own type.
	containerMime := formatMime[format]
	sniffedMime := DetectMime(window)
	if sniffedMime == "" {
		sniffedMime = SniffMime(window)
	}
	trustedMime := containerMime
	if containerMime != sniffedMime {
		metrics.MimeMismatchesTotal.Inc()
		logging.Warn("MIME detectors disagree for %s: container=%s sniffed=%s, trusting sniffer",
			c.Filename, containerMime, sniffedMime)
		trustedMime = sniffedMime
	}
	if !strings.HasPrefix(trustedMime, "image/") {
		return nil, reject(ReasonInvalidSignature, "detected type %s is not an image", trustedMime)
	}

	// Gate 8: extension coherence with the detected type
	if extMime != trustedMime {
		if !v.profile.AllowMimeMismatch {
			return nil, reject(ReasonInvalidSignature,
				"extension %q implies %s but content is %s", ext, extMime, trustedMime)
		}
		logging.Warn("Allowing MIME mismatch for %s: extension %q implies %s, content is %s",
			c.Filename, ext, extMime, trustedMime)
	}

	// Gate 9: animation policy, via chunk walking only
	if !v.profile.AllowAnimated {
		full, err := os.ReadFile(c.Path)
		if err != nil {
			return nil, &Rejection{Reason: ReasonInvalidFile, Detail: "unreadable candidate", Err: err}
		}
		if IsAnimatedGIF(full) || IsAnimatedWebP(full) {
			return nil, reject(ReasonInvalidFile, "animated images are not allowed")
		}
	}

	// Gate 10: full decode under the time budget. The decode itself is not
	// preemptible; exceeding the budget fails the candidate after the fact.
	decodeStart := time.Now()
	img, decodeErr := v.decoder.Decode(c.Path)
	elapsed := time.Since(decodeStart)
	metrics.ValidationDuration.WithLabelValues("decode").Observe(elapsed.Seconds())
	if decodeErr != nil {
		return nil, &Rejection{Reason: ReasonInvalidFile, Detail: "full decode failed", Err: decodeErr}
	}
	if elapsed > v.profile.DecodeTimeout {
		return nil, reject(ReasonInvalidFile, "decode took %v, budget is %v", elapsed, v.profile.DecodeTimeout)
	}

	verdict := &Verdict{
		Mime:   trustedMime,
		Ext:    ext,
		Width:  cfg.Width,
		Height: cfg.Height,
		Size:   c.Size,
	}

	// Gate 11: normalization pass. Re-encode, re-check the result, and only
	// then atomically replace the candidate.
	if v.profile.NormalizationEnabled {
		if err := v.normalize(c, img, verdict); err != nil {
			return nil, err
		}
	}

	return verdict, nil
}

func (v *Validator) checkDimensions(width, height int) error {
	min, max := v.profile.MinDimension, v.profile.MaxDimension
	if width < min || height < min {
		return reject(ReasonInvalidDimensions, "dimensions %dx%d below minimum %d", width, height, min)
	}
	if width > max || height > max {
		return reject(ReasonInvalidDimensions, "dimensions %dx%d exceed maximum %d", width, height, max)
	}
	if int64(width)*int64(height) > v.profile.MaxPixels() {
		return reject(ReasonInvalidDimensions, "%dx%d exceeds megapixel ceiling %.1f",
			width, height, v.profile.MaxMegapixels)
	}
	return nil
}

func (v *Validator) checkBombRatio(width, height, bits int, size int64) error {
	if bits < 1 {
		bits = 1
	}
	estimate := int64(width) * int64(height) * int64(bits) / 8
	ratio := float64(estimate) / float64(size)
	if ratio > v.profile.BombRatioThreshold {
		logging.Warn("Bomb ratio %.1f exceeds threshold %.1f (%dx%d @ %d bits in %d bytes)",
			ratio, v.profile.BombRatioThreshold, width, height, bits, size)
		return reject(ReasonMaliciousPayload, "decompression ratio %.1f exceeds threshold %.1f",
			ratio, v.profile.BombRatioThreshold)
	}
	return nil
}

// bitsPerPixel estimates decoded bits per pixel from the header color model.
func bitsPerPixel(m color.Model) int {
	switch m {
	case color.GrayModel:
		return 8
	case color.Gray16Model:
		return 16
	case color.YCbCrModel:
		return 24
	case color.RGBAModel, color.NRGBAModel, color.CMYKModel, color.NYCbCrAModel:
		return 32
	case color.RGBA64Model, color.NRGBA64Model:
		return 64
	}
	if _, ok := m.(color.Palette); ok {
		return 8
	}
	return 32
}

func extensionOf(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func readWindow(path string, window int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Warn("failed to close candidate %s: %v", path, err)
		}
	}()

	buf := make([]byte, window)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

func decodeConfigFile(path string) (image.Config, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Warn("failed to close candidate %s: %v", path, err)
		}
	}()
	return image.DecodeConfig(f)
}
