package meter

import (
	"log/slog"
	"math"
)

const (
	DefaultAlpha              = 0.2
	DefaultMinDelta           = 8.0
	DefaultVarianceMultiplier = 1.5
	DefaultMinPulseIntervalMs = 200
)

// DetectorParams tunes the adaptive threshold. Zero or invalid float fields fall back to
// defaults; a zero MinPulseIntervalMs is kept and disables the debounce.
type DetectorParams struct {
	Alpha              float64 `json:"alpha" toml:"alpha"`
	MinDelta           float64 `json:"min_delta" toml:"min_delta"`
	VarianceMultiplier float64 `json:"variance_multiplier" toml:"variance_multiplier"`
	MinPulseIntervalMs int64   `json:"min_pulse_interval_ms" toml:"min_pulse_interval_ms"`
}

// DefaultDetectorParams returns the standard detector tuning.
func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		Alpha:              DefaultAlpha,
		MinDelta:           DefaultMinDelta,
		VarianceMultiplier: DefaultVarianceMultiplier,
		MinPulseIntervalMs: DefaultMinPulseIntervalMs,
	}
}

// Normalize replaces out-of-range fields with defaults. Only a negative
// MinPulseIntervalMs is replaced.
func (p DetectorParams) Normalize() DetectorParams {
	if !(p.Alpha > 0 && p.Alpha <= 1) {
		p.Alpha = DefaultAlpha
	}
	if !(p.MinDelta > 0) || math.IsInf(p.MinDelta, 0) {
		p.MinDelta = DefaultMinDelta
	}
	if !(p.VarianceMultiplier > 0) || math.IsInf(p.VarianceMultiplier, 0) {
		p.VarianceMultiplier = DefaultVarianceMultiplier
	}
	if p.MinPulseIntervalMs < 0 {
		p.MinPulseIntervalMs = DefaultMinPulseIntervalMs
	}
	return p
}

// PulseDetector registers upward brightness spikes against an exponential moving
// baseline whose threshold widens with the observed variance.
// Not safe for concurrent use; call Observe from a single goroutine.
type PulseDetector struct {
	params    DetectorParams
	logger    *slog.Logger
	ema       float64
	seeded    bool
	variance  float64
	lastPulse int64
	pulses    int
	threshold float64
}

// NewPulseDetector returns a detector with the given params (normalized).
func NewPulseDetector(params DetectorParams, logger *slog.Logger) *PulseDetector {
	return &PulseDetector{params: params.Normalize(), logger: logger}
}

// Reset clears the baseline, variance, debounce timestamp and pulse count.
func (d *PulseDetector) Reset() {
	d.ema, d.seeded = 0, false
	d.variance = 0
	d.lastPulse = 0
	d.pulses = 0
	d.threshold = 0
}

// Observe feeds one brightness sample taken at tsMillis and reports whether it
// registered a new pulse. The first sample only seeds the baseline.
// Non-finite brightness is ignored without touching the state.
func (d *PulseDetector) Observe(tsMillis int64, brightness float64) bool {
	if !finite(brightness) {
		return false
	}
	if !d.seeded {
		d.ema, d.seeded = brightness, true
		d.variance = 0
		return false
	}
	alpha := d.params.Alpha
	delta := brightness - d.ema
	d.ema += alpha * delta
	d.variance = (1-alpha)*d.variance + alpha*delta*delta
	d.threshold = math.Max(d.params.MinDelta, math.Sqrt(math.Max(d.variance, 0))*d.params.VarianceMultiplier)

	if delta > d.threshold && tsMillis-d.lastPulse > d.params.MinPulseIntervalMs {
		d.lastPulse = tsMillis
		d.pulses++
		if d.logger != nil {
			d.logger.Debug("pulse detected", "ts", tsMillis, "delta", delta, "threshold", d.threshold, "baseline", d.ema, "pulses", d.pulses)
		}
		return true
	}
	return false
}

// Pulses returns the number of pulses registered since construction or Reset.
func (d *PulseDetector) Pulses() int { return d.pulses }

// Baseline returns the current moving average and whether it has been seeded.
func (d *PulseDetector) Baseline() (float64, bool) { return d.ema, d.seeded }

// Variance returns the moving variance of the brightness delta.
func (d *PulseDetector) Variance() float64 { return d.variance }

// Threshold returns the delta threshold computed on the last observed sample.
func (d *PulseDetector) Threshold() float64 { return d.threshold }

// compile-time check that PulseDetector implements Detector.
var _ Detector = (*PulseDetector)(nil)
