// Package intake validates uploaded photos and shrinks the ones that are too
// large for the classifier.
package intake

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/util"
)

const (
	// MaxPixels bounds the area of an image sent to the classifier.
	MaxPixels = 12_000_000
	// MaxDecodePixels bounds the area of an image we agree to decode at all.
	// Small compressed files can declare huge dimensions.
	MaxDecodePixels = 50_000_000
)

var (
	ErrEmpty       = fmt.Errorf("%w: empty file", plant.ErrMalformedInput)
	ErrTooLarge    = fmt.Errorf("%w: file too large", plant.ErrMalformedInput)
	ErrUnsupported = fmt.Errorf("%w: unsupported image type", plant.ErrMalformedInput)
	ErrUndecodable = fmt.Errorf("%w: image cannot be decoded", plant.ErrMalformedInput)
)

// Rules are the upload limits.
type Rules struct {
	MaxSize int64    // bytes, 0 means unlimited
	Allowed []string // extensions: jpg, jpeg, png
}

// Prepare checks data against the rules and returns the image to classify.
// Images above MaxPixels are scaled down and re-encoded as JPEG.
func Prepare(data []byte, r Rules) (plant.Image, error) {
	if len(data) == 0 {
		return plant.Image{}, ErrEmpty
	}
	if r.MaxSize > 0 && int64(len(data)) > r.MaxSize {
		return plant.Image{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), r.MaxSize)
	}
	mime := util.SniffMimeHTTP(data)
	if !util.ExtensionAllowed(mime, r.Allowed) {
		return plant.Image{}, fmt.Errorf("%w: %s", ErrUnsupported, mime)
	}
	cfg, err := decodeConfig(data, mime)
	if err != nil {
		return plant.Image{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	area := int64(cfg.Width) * int64(cfg.Height)
	if area > MaxDecodePixels {
		return plant.Image{}, fmt.Errorf("%w: %dx%d pixels, limit %d", ErrTooLarge, cfg.Width, cfg.Height, MaxDecodePixels)
	}
	if area <= MaxPixels {
		return plant.Image{Data: data, MIME: mime}, nil
	}
	small, err := shrink(data, mime, cfg.Width, cfg.Height, MaxPixels)
	if err != nil {
		return plant.Image{}, err
	}
	return plant.Image{Data: small, MIME: "image/jpeg"}, nil
}

func decodeConfig(b []byte, mime string) (image.Config, error) {
	switch mime {
	case "image/jpeg":
		return jpeg.DecodeConfig(bytes.NewReader(b))
	case "image/png":
		return png.DecodeConfig(bytes.NewReader(b))
	}
	return image.Config{}, errors.New("unknown format")
}

func decode(b []byte, mime string) (image.Image, error) {
	if mime == "image/png" {
		return png.Decode(bytes.NewReader(b))
	}
	return jpeg.Decode(bytes.NewReader(b))
}

func shrink(data []byte, mime string, w, h, limit int) ([]byte, error) {
	src, err := decode(data, mime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	scale := math.Sqrt(float64(limit) / float64(w*h))
	newW := max(int(float64(w)*scale), 1)
	newH := max(int(float64(h)*scale), 1)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, scaleDownNN(src, newW, newH), &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}

// scaleDownNN is a nearest-neighbour resize.
func scaleDownNN(src image.Image, newW, newH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	sb := src.Bounds()
	srcW := sb.Dx()
	srcH := sb.Dy()
	for y := 0; y < newH; y++ {
		sy := sb.Min.Y + (y*srcH)/newH
		for x := 0; x < newW; x++ {
			sx := sb.Min.X + (x*srcW)/newW
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
