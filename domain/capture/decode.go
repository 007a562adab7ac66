package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
)

// ErrEmptyFrame is returned when a frame payload carries no bytes.
var ErrEmptyFrame = errors.New("empty frame")

// DecodeJPEG decodes raw JPEG bytes into an RGBA raster taken from the frame pool.
// Callers should RecycleFrame the result once they are done with it.
func DecodeJPEG(raw []byte) (*image.RGBA, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyFrame
	}
	src, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	b := src.Bounds()
	out := acquireFrame(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)
	return out, nil
}
