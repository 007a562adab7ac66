package capture

import (
	"image"
	"sync"
)

// Reusable RGBA buffers for decoded frames. Frames arriving over the websocket
// are decoded, measured and dropped within one message, so the raster backing
// slice can be handed straight back for the next frame of the same size.
//
// Usage: acquireFrame(rect) returns a *image.RGBA whose Pix length is exactly
// rect area * 4. After consumers finish using the frame they should call
// RecycleFrame(frame). Frames that are never recycled are simply collected.

var framePool sync.Pool // stores *image.RGBA

// acquireFrame returns a reusable RGBA image sized to rect with Stride width*4.
func acquireFrame(rect image.Rectangle) *image.RGBA {
	w, h := rect.Dx(), rect.Dy()
	if w <= 0 || h <= 0 {
		return &image.RGBA{Rect: rect}
	}
	needed := w * h * 4
	var img *image.RGBA
	if v := framePool.Get(); v != nil {
		img = v.(*image.RGBA)
	}
	if img == nil || cap(img.Pix) < needed {
		img = &image.RGBA{Pix: make([]byte, needed), Stride: w * 4, Rect: rect}
	} else {
		img.Stride = w * 4
		img.Rect = rect
		img.Pix = img.Pix[:needed]
	}
	return img
}

// RecycleFrame returns the frame to the pool for potential reuse. The frame
// must no longer be accessed by the caller after invoking RecycleFrame.
func RecycleFrame(img *image.RGBA) {
	if img == nil || img.Pix == nil {
		return
	}
	framePool.Put(img)
}
