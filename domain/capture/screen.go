package capture

import (
	"image"

	"github.com/vova616/screenshot"
)

// Grab returns a capture of the whole primary screen.
func Grab() (*image.RGBA, error) {
	return screenshot.CaptureScreen()
}

// GrabSelection returns a capture of the given screen rectangle. An empty
// rectangle captures the whole screen.
func GrabSelection(area image.Rectangle) (*image.RGBA, error) {
	if area.Empty() {
		return Grab()
	}
	return screenshot.CaptureRect(area)
}
