package meter

import (
	"fmt"
	"log/slog"
	"math"
)

// joulesPerKWh is 1 kWh in W·s.
const joulesPerKWh = 3_600_000

// ComputePower returns the average power in watts for pulses counted over durationSeconds on a
// meter emitting meterConstant pulses per kWh, or nil when any input is non-positive or non-finite.
func ComputePower(pulses int, durationSeconds, meterConstant float64) *float64 {
	if pulses <= 0 || !(durationSeconds > 0) || !(meterConstant > 0) {
		return nil
	}
	if math.IsInf(durationSeconds, 0) || math.IsInf(meterConstant, 0) {
		return nil
	}
	p := float64(pulses) * joulesPerKWh / (meterConstant * durationSeconds)
	return &p
}

// Session drives one bounded measurement: Idle --Start--> Measuring --Stop--> Idle.
// A fresh detector is created on every Start and dropped on Stop.
// Not safe for concurrent use; callers serialize Start/Sample/Stop.
type Session struct {
	params        DetectorParams
	logger        *slog.Logger
	newDetector   DetectorFactory
	state         SessionState
	detector      Detector
	meterConstant float64
	startedAt     int64
	lastTs        int64
	stats         Stats
}

// NewSession returns an idle session. A nil factory uses NewPulseDetector.
func NewSession(params DetectorParams, logger *slog.Logger, factory DetectorFactory) *Session {
	if factory == nil {
		factory = func(p DetectorParams, l *slog.Logger) Detector { return NewPulseDetector(p, l) }
	}
	return &Session{params: params.Normalize(), logger: logger, newDetector: factory}
}

// Start begins measuring at startMillis with the given meter constant (pulses per kWh).
func (s *Session) Start(startMillis int64, meterConstant float64) error {
	if s.state == StateMeasuring {
		return fmt.Errorf("start: %w: already measuring", ErrInvalidState)
	}
	if math.IsNaN(meterConstant) || math.IsInf(meterConstant, 0) || meterConstant <= 0 {
		return fmt.Errorf("start: %w: meter constant %v must be finite and positive", ErrInvalidConfig, meterConstant)
	}
	s.detector = s.newDetector(s.params, s.logger)
	s.detector.Reset()
	s.meterConstant = meterConstant
	s.startedAt = startMillis
	s.lastTs = startMillis
	s.state = StateMeasuring
	started := startMillis
	s.stats = Stats{StartedAtMillis: &started}
	if s.logger != nil {
		s.logger.Debug("session started", "ts", startMillis, "meterConstant", meterConstant)
	}
	return nil
}

// Sample forwards one brightness reading to the detector and recomputes the stats.
// It reports whether the sample registered a pulse. Samples must arrive in
// non-decreasing timestamp order; older timestamps and non-finite brightness are
// rejected with ErrInvalidSample and leave the session untouched.
func (s *Session) Sample(tsMillis int64, brightness float64) (bool, error) {
	if s.state != StateMeasuring {
		return false, fmt.Errorf("sample: %w: not measuring", ErrInvalidState)
	}
	if math.IsNaN(brightness) || math.IsInf(brightness, 0) {
		return false, fmt.Errorf("sample: %w: brightness %v", ErrInvalidSample, brightness)
	}
	if tsMillis < s.lastTs {
		return false, fmt.Errorf("sample: %w: timestamp %d before %d", ErrInvalidSample, tsMillis, s.lastTs)
	}
	pulse := s.detector.Observe(tsMillis, brightness)
	s.lastTs = tsMillis
	s.recompute(tsMillis)
	return pulse, nil
}

// Stop finalizes the session at stopMillis and returns the final stats. A stop
// timestamp earlier than the last sample is clamped to it. Stopping an idle
// session returns ErrInvalidState and changes nothing.
func (s *Session) Stop(stopMillis int64) (Stats, error) {
	if s.state != StateMeasuring {
		return Stats{}, fmt.Errorf("stop: %w: not measuring", ErrInvalidState)
	}
	if stopMillis < s.lastTs {
		stopMillis = s.lastTs
	}
	s.recompute(stopMillis)
	s.state = StateIdle
	s.detector = nil
	if s.logger != nil {
		s.logger.Debug("session stopped", "ts", stopMillis, "pulses", s.stats.Pulses,
			"duration", FormatDuration(s.stats.DurationSeconds), "power", FormatPower(s.stats.PowerWatts))
	}
	return s.stats, nil
}

func (s *Session) recompute(tsMillis int64) {
	pulses := s.detector.Pulses()
	duration := float64(tsMillis-s.startedAt) / 1000
	started := s.startedAt
	s.stats = Stats{
		Pulses:          pulses,
		DurationSeconds: duration,
		PowerWatts:      ComputePower(pulses, duration, s.meterConstant),
		StartedAtMillis: &started,
	}
}

// Stats returns the latest snapshot; after Stop it is the final one.
func (s *Session) Stats() Stats { return s.stats }

// State returns the current session state.
func (s *Session) State() SessionState { return s.state }

// LastTimestamp returns the newest timestamp the session has seen: the last
// accepted sample, or the start when nothing was sampled yet.
func (s *Session) LastTimestamp() int64 { return s.lastTs }

// MeterConstant returns the constant of the current or last session.
func (s *Session) MeterConstant() float64 { return s.meterConstant }

// Record builds the storage record for the last stopped session.
func (s *Session) Record(sessionID string) Record {
	var ts int64
	if s.stats.StartedAtMillis != nil {
		ts = *s.stats.StartedAtMillis
	}
	return Record{
		SessionID:       sessionID,
		TimestampMillis: ts,
		MeterConstant:   s.meterConstant,
		Pulses:          s.stats.Pulses,
		DurationSeconds: s.stats.DurationSeconds,
		PowerWatts:      s.stats.PowerWatts,
	}
}
