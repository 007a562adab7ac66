package meter

import (
	"image"
	"math"
)

const channels = 4

// ExtractBrightness returns the mean luma (0.299R + 0.587G + 0.114B) of the pixels covered by roi.
// Pixel bounds are floor/ceil of the normalized edges, clamped per axis to the image and inclusive
// on both ends, so a collapsed region still samples one pixel. An empty or malformed raster, or a
// non-finite roi, yields 0.
func ExtractBrightness(img DecodedImage, roi NormalizedRoi) float64 {
	w, h := img.Width, img.Height
	if w <= 0 || h <= 0 || len(img.Data) < w*h*channels {
		return 0
	}
	if !finite(roi.CenterX) || !finite(roi.CenterY) || !finite(roi.Width) || !finite(roi.Height) {
		return 0
	}
	halfW := math.Max(roi.Width/2, 0)
	halfH := math.Max(roi.Height/2, 0)
	minX := pixelBound(math.Floor((roi.CenterX-halfW)*float64(w)), w)
	maxX := pixelBound(math.Ceil((roi.CenterX+halfW)*float64(w)), w)
	minY := pixelBound(math.Floor((roi.CenterY-halfH)*float64(h)), h)
	maxY := pixelBound(math.Ceil((roi.CenterY+halfH)*float64(h)), h)

	var sum float64
	count := 0
	for y := minY; y <= maxY; y++ {
		row := img.Data[y*w*channels : (y+1)*w*channels]
		for x := minX; x <= maxX; x++ {
			i := x * channels
			r, g, b := row[i], row[i+1], row[i+2]
			sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// FromRGBA views an *image.RGBA as a DecodedImage. Pixels are shared when the
// rows are tightly packed and copied otherwise (sub-images, padded strides).
func FromRGBA(img *image.RGBA) DecodedImage {
	if img == nil {
		return DecodedImage{}
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return DecodedImage{}
	}
	rowLen := w * channels
	if img.Stride == rowLen && len(img.Pix) >= rowLen*h {
		return DecodedImage{Width: w, Height: h, Data: img.Pix[:rowLen*h]}
	}
	data := make([]byte, rowLen*h)
	for y := 0; y < h; y++ {
		start := y * img.Stride
		copy(data[y*rowLen:(y+1)*rowLen], img.Pix[start:start+rowLen])
	}
	return DecodedImage{Width: w, Height: h, Data: data}
}

// pixelBound clamps a pixel coordinate to [0, dim-1] before the int conversion.
func pixelBound(v float64, dim int) int {
	if v <= 0 {
		return 0
	}
	if v >= float64(dim-1) {
		return dim - 1
	}
	return int(v)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
