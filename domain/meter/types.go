package meter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

var (
	// ErrInvalidConfig is returned by Start for a non-finite or non-positive meter constant.
	ErrInvalidConfig = errors.New("invalid meter configuration")
	// ErrInvalidState is returned when an operation is not allowed in the current session state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidSample is returned for non-finite brightness or a timestamp older than the previous sample.
	ErrInvalidSample = errors.New("invalid sample")
)

// SessionState enumerates the measurement session states.
type SessionState int

const (
	StateIdle SessionState = iota
	StateMeasuring
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMeasuring:
		return "measuring"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name produced by MarshalText.
func (s *SessionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "measuring":
		*s = StateMeasuring
	default:
		return fmt.Errorf("unknown session state %q", b)
	}
	return nil
}

// Detector is the minimal pulse detector contract used by Session.
type Detector interface {
	Observe(tsMillis int64, brightness float64) bool
	Pulses() int
	Reset()
}

// DetectorFactory constructs a fresh detector for each session start.
type DetectorFactory func(DetectorParams, *slog.Logger) Detector

// NormalizedRoi is a rectangle expressed as fractions of the frame size.
// The region must fit inside the frame; use WithSize/WithCenter to keep it so.
type NormalizedRoi struct {
	CenterX float64 `json:"center_x" toml:"center_x"`
	CenterY float64 `json:"center_y" toml:"center_y"`
	Width   float64 `json:"width" toml:"width"`
	Height  float64 `json:"height" toml:"height"`
}

// DefaultRoi is a quarter-sized region in the middle of the frame.
func DefaultRoi() NormalizedRoi {
	return NormalizedRoi{CenterX: 0.5, CenterY: 0.5, Width: 0.25, Height: 0.25}
}

// WithSize returns a copy resized to w x h with the center pulled back inside the frame.
// Sizes are clamped to (0,1]; non-finite sizes keep the current value.
func (r NormalizedRoi) WithSize(w, h float64) NormalizedRoi {
	out := r
	if !math.IsNaN(w) && !math.IsInf(w, 0) {
		out.Width = clampFloat(w, minRoiSize, 1)
	}
	if !math.IsNaN(h) && !math.IsInf(h, 0) {
		out.Height = clampFloat(h, minRoiSize, 1)
	}
	return out.WithCenter(out.CenterX, out.CenterY)
}

// WithCenter returns a copy moved to (x, y), clamped so the region stays inside the frame.
func (r NormalizedRoi) WithCenter(x, y float64) NormalizedRoi {
	out := r
	if math.IsNaN(x) || math.IsInf(x, 0) {
		x = r.CenterX
	}
	if math.IsNaN(y) || math.IsInf(y, 0) {
		y = r.CenterY
	}
	halfW, halfH := out.Width/2, out.Height/2
	out.CenterX = clampFloat(x, halfW, 1-halfW)
	out.CenterY = clampFloat(y, halfH, 1-halfH)
	return out
}

// Contained reports whether the region fits inside the unit frame.
func (r NormalizedRoi) Contained() bool {
	halfW, halfH := r.Width/2, r.Height/2
	return r.Width >= 0 && r.Height >= 0 &&
		r.CenterX >= halfW && r.CenterX <= 1-halfW &&
		r.CenterY >= halfH && r.CenterY <= 1-halfH
}

const minRoiSize = 0.01

// DecodedImage is a row-major RGBA8 raster. Data holds 4 bytes per pixel.
type DecodedImage struct {
	Width  int
	Height int
	Data   []byte
}

// Stats is an immutable snapshot of a session. PowerWatts is nil when power is not computable
// and StartedAtMillis is nil before the first start.
type Stats struct {
	Pulses          int      `json:"pulses"`
	DurationSeconds float64  `json:"duration_seconds"`
	PowerWatts      *float64 `json:"power_watts"`
	StartedAtMillis *int64   `json:"started_at_ms"`
}

// Record is a completed measurement handed to the storage collaborator.
type Record struct {
	ID              int64    `json:"id"`
	SessionID       string   `json:"session_id,omitempty"`
	TimestampMillis int64    `json:"timestamp_ms"`
	MeterConstant   float64  `json:"meter_constant"`
	Pulses          int      `json:"pulses"`
	DurationSeconds float64  `json:"duration_seconds"`
	PowerWatts      *float64 `json:"power_watts"`
}

// Persistable reports whether the stats describe a measurement worth storing.
func (s Stats) Persistable() bool {
	return s.Pulses > 0 && s.DurationSeconds > 0
}

func clampFloat(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
