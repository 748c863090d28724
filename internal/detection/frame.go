package detection

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/model"
)

const (
	// MaxFrameBytes bounds a decoded frame
	MaxFrameBytes = 8 << 20
	// MaxFramePixels bounds width*height, checked on the image header before
	// any pixel buffer is allocated
	MaxFramePixels = 4096 * 4096

	DefaultJPEGQuality = 80
	boxThickness       = 2
)

var boxColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// Frame is a decoded camera frame
type Frame struct {
	Raw    []byte
	Image  image.Image
	Format string
}

// DecodeFrame turns a base64 payload (optionally a data URL) into a frame.
// Anything that is not a decodable JPEG or PNG is rejected before it can
// reach the analysis queue.
func DecodeFrame(encoded string) (Frame, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ";base64,"); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+len(";base64,"):]
	}
	if encoded == "" {
		return Frame{}, apperror.New(apperror.InvalidInput, "frame is required")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxFrameBytes {
		return Frame{}, apperror.Newf(apperror.InvalidInput, "frame exceeds %d bytes", MaxFrameBytes)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return Frame{}, apperror.Wrap(apperror.InvalidInput, "frame is not valid base64", err)
		}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Frame{}, apperror.Wrap(apperror.InvalidInput, "frame is not a valid image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxFramePixels {
		return Frame{}, apperror.Newf(apperror.InvalidInput,
			"frame is %dx%d, at most %d pixels allowed", cfg.Width, cfg.Height, MaxFramePixels)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Frame{}, apperror.Wrap(apperror.InvalidInput, "frame is not a valid image", err)
	}

	return Frame{Raw: raw, Image: img, Format: format}, nil
}

// Annotate draws the detected boxes onto the frame and encodes it as JPEG
func Annotate(img image.Image, boxes []model.Box, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	bounds := img.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, img, bounds.Min, draw.Src)

	for _, b := range boxes {
		r := image.Rect(b.X1, b.Y1, b.X2, b.Y2).Add(bounds.Min)
		drawRect(canvas, r, boxColor, boxThickness)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("JPEG encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// drawRect outlines r, clipped to the canvas
func drawRect(dst *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}

	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
