package capture

import "image"

// FrameSource provides read-only access to captured frames.
// LatestFrame returns the freshest snapshot while Running reports activity.
type FrameSource interface {
	LatestFrame() FrameSnapshot
	Running() bool
}

// ServiceContract exposes basic lifecycle control for capture services.
type ServiceContract interface {
	Start()
	Stop()
	Running() bool
}

// GrabFunc captures the given screen rectangle.
type GrabFunc func(image.Rectangle) (*image.RGBA, error)
