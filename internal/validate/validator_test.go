package validate

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"media-intake/internal/config"
)

type stubDecoder struct {
	err error
}

func (d stubDecoder) Name() string { return "stub" }

func (d stubDecoder) Decode(path string) (image.Image, error) {
	if d.err != nil {
		return nil, d.err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func testProfile() config.ConstraintProfile {
	return config.ConstraintProfile{
		MaxBytes:           5 << 20,
		MinDimension:       1,
		MaxDimension:       4096,
		MaxMegapixels:      10,
		BombRatioThreshold: 10000,
		DecodeTimeout:      10 * time.Second,
		AllowedTypes: map[string]string{
			"jpg":  "image/jpeg",
			"jpeg": "image/jpeg",
			"png":  "image/png",
			"gif":  "image/gif",
			"webp": "image/webp",
		},
		ScanWindowKiB: 64,
		AllowAnimated: true,
	}
}

// noisyImage defeats compression so bomb-ratio tests have predictable file
// sizes.
func noisyImage(w, h int) image.Image {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	return img
}

func solidImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x7F
	}
	return img
}

func writeFile(t *testing.T, name string, data []byte) (string, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path, int64(len(data))
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rejection %s, got nil", want)
	}
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *Rejection, got %T: %v", err, err)
	}
	if rej.Reason != want {
		t.Fatalf("expected reason %s, got %s (%v)", want, rej.Reason, rej)
	}
}

func TestValidatePassesCleanPNG(t *testing.T) {
	data := encodePNG(t, noisyImage(64, 48))
	path, size := writeFile(t, "clean.png", data)

	v := New(testProfile(), stubDecoder{})
	verdict, err := v.Validate(Candidate{Path: path, Filename: "clean.png", DeclaredMime: "image/png", Size: size})
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if verdict.Mime != "image/png" {
		t.Errorf("mime = %s, want image/png", verdict.Mime)
	}
	if verdict.Width != 64 || verdict.Height != 48 {
		t.Errorf("dimensions = %dx%d, want 64x48", verdict.Width, verdict.Height)
	}
}

func TestValidateRejectsEmptyFile(t *testing.T) {
	path, _ := writeFile(t, "empty.png", nil)

	v := New(testProfile(), stubDecoder{})
	_, err := v.Validate(Candidate{Path: path, Filename: "empty.png", Size: 0})
	assertReason(t, err, ReasonInvalidFile)
}

func TestValidateRejectsOversizeFile(t *testing.T) {
	data := encodePNG(t, noisyImage(64, 64))
	path, size := writeFile(t, "big.png", data)

	profile := testProfile()
	profile.MaxBytes = size - 1
	v := New(profile, stubDecoder{})
	_, err := v.Validate(Candidate{Path: path, Filename: "big.png", Size: size})
	assertReason(t, err, ReasonInvalidFile)
}

func TestValidateRejectsDisallowedExtension(t *testing.T) {
	data := encodePNG(t, noisyImage(8, 8))
	path, size := writeFile(t, "img.xyz", data)

	v := New(testProfile(), stubDecoder{})
	_, err := v.Validate(Candidate{Path: path, Filename: "img.xyz", Size: size})
	assertReason(t, err, ReasonInvalidFile)
}

func TestValidateRejectsEmbeddedScript(t *testing.T) {
	// A polyglot: valid image bytes with a script payload appended
	data := append(encodeJPEG(t, solidImage(32, 32)), []byte("<script>document.cookie</script>")...)
	path, size := writeFile(t, "sneaky.jpg", data)

	v := New(testProfile(), stubDecoder{})
	_, err := v.Validate(Candidate{Path: path, Filename: "sneaky.jpg", Size: size})
	assertReason(t, err, ReasonMaliciousPayload)
}

func TestValidateRejectsDecompressionBomb(t *testing.T) {
	// A solid image compresses into a tiny file, so the decoded-size to
	// file-size ratio is enormous
	data := encodePNG(t, solidImage(512, 512))
	path, size := writeFile(t, "bomb.png", data)

	profile := testProfile()
	profile.BombRatioThreshold = 2
	v := New(profile, stubDecoder{})
	_, err := v.Validate(Candidate{Path: path, Filename: "bomb.png", Size: size})
	assertReason(t, err, ReasonMaliciousPayload)
}

func TestValidateDimensionBounds(t *testing.T) {
	t.Run("too small", func(t *testing.T) {
		data := encodePNG(t, noisyImage(4, 4))
		path, size := writeFile(t, "tiny.png", data)

		profile := testProfile()
		profile.MinDimension = 16
		v := New(profile, stubDecoder{})
		_, err := v.Validate(Candidate{Path: path, Filename: "tiny.png", Size: size})
		assertReason(t, err, ReasonInvalidDimensions)
	})

	t.Run("too large", func(t *testing.T) {
		data := encodePNG(t, noisyImage(128, 128))
		path, size := writeFile(t, "huge.png", data)

		profile := testProfile()
		profile.MaxDimension = 64
		v := New(profile, stubDecoder{})
		_, err := v.Validate(Candidate{Path: path, Filename: "huge.png", Size: size})
		assertReason(t, err, ReasonInvalidDimensions)
	})

	t.Run("megapixel ceiling", func(t *testing.T) {
		data := encodePNG(t, noisyImage(200, 200))
		path, size := writeFile(t, "mp.png", data)

		profile := testProfile()
		profile.MaxMegapixels = 0.01 // 10k pixels
		v := New(profile, stubDecoder{})
		_, err := v.Validate(Candidate{Path: path, Filename: "mp.png", Size: size})
		assertReason(t, err, ReasonInvalidDimensions)
	})
}

func TestValidateMimeMismatchPolicy(t *testing.T) {
	// PNG content hiding behind a .jpg name
	data := encodePNG(t, noisyImage(32, 32))

	t.Run("rejected by default", func(t *testing.T) {
		path, size := writeFile(t, "masked.jpg", data)
		v := New(testProfile(), stubDecoder{})
		_, err := v.Validate(Candidate{Path: path, Filename: "masked.jpg", Size: size})
		assertReason(t, err, ReasonInvalidSignature)
	})

	t.Run("allowed when configured", func(t *testing.T) {
		path, size := writeFile(t, "masked.jpg", data)
		profile := testProfile()
		profile.AllowMimeMismatch = true
		v := New(profile, stubDecoder{})
		verdict, err := v.Validate(Candidate{Path: path, Filename: "masked.jpg", Size: size})
		if err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
		// The detected type wins over the extension's claim
		if verdict.Mime != "image/png" {
			t.Errorf("mime = %s, want image/png", verdict.Mime)
		}
	})
}

func animatedGIF(t *testing.T, frames int) []byte {
	t.Helper()
	palette := color.Palette{color.Black, color.White}
	g := &gif.GIF{}
	for i := 0; i < frames; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, 16, 16), palette)
		for p := range frame.Pix {
			frame.Pix[p] = byte((p + i) % 2)
		}
		g.Image = append(g.Image, frame)
		g.Delay = append(g.Delay, 10)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

func TestValidateAnimationPolicy(t *testing.T) {
	data := animatedGIF(t, 3)

	t.Run("rejected when disallowed", func(t *testing.T) {
		path, size := writeFile(t, "anim.gif", data)
		profile := testProfile()
		profile.AllowAnimated = false
		v := New(profile, stubDecoder{})
		_, err := v.Validate(Candidate{Path: path, Filename: "anim.gif", Size: size})
		assertReason(t, err, ReasonInvalidFile)
	})

	t.Run("passes when allowed", func(t *testing.T) {
		path, size := writeFile(t, "anim.gif", data)
		v := New(testProfile(), stubDecoder{})
		verdict, err := v.Validate(Candidate{Path: path, Filename: "anim.gif", Size: size})
		if err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
		if verdict.Mime != "image/gif" {
			t.Errorf("mime = %s, want image/gif", verdict.Mime)
		}
	})
}

func TestValidateRejectsUndecodableFile(t *testing.T) {
	// Valid PNG header, garbage body
	data := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0xAB}, 64)...)
	path, size := writeFile(t, "broken.png", data)

	v := New(testProfile(), stubDecoder{})
	_, err := v.Validate(Candidate{Path: path, Filename: "broken.png", Size: size})
	assertReason(t, err, ReasonInvalidFile)
}

func TestValidateNormalizationReplacesCandidate(t *testing.T) {
	original := encodeJPEG(t, noisyImage(40, 30))
	path, size := writeFile(t, "photo.jpg", original)

	profile := testProfile()
	profile.NormalizationEnabled = true
	v := New(profile, stubDecoder{})

	verdict, err := v.Validate(Candidate{Path: path, Filename: "photo.jpg", Size: size})
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if !verdict.Normalized {
		t.Fatal("verdict not marked normalized")
	}

	replaced, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read candidate: %v", err)
	}
	if bytes.Equal(replaced, original) {
		t.Error("candidate bytes unchanged after normalization")
	}
	if verdict.Size != int64(len(replaced)) {
		t.Errorf("verdict size %d does not match on-disk size %d", verdict.Size, len(replaced))
	}
	// The replacement must still decode
	if _, _, err := image.Decode(bytes.NewReader(replaced)); err != nil {
		t.Errorf("normalized candidate does not decode: %v", err)
	}
}

func TestValidateDecoderFailureRejects(t *testing.T) {
	data := encodePNG(t, noisyImage(16, 16))
	path, size := writeFile(t, "ok.png", data)

	v := New(testProfile(), stubDecoder{err: errors.New("decoder exploded")})
	_, err := v.Validate(Candidate{Path: path, Filename: "ok.png", Size: size})
	assertReason(t, err, ReasonInvalidFile)
}
