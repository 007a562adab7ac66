package recording

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soocke/pulse-meter-go/domain/meter"
)

// Storer is the storage collaborator for completed measurements.
type Storer interface {
	Insert(ctx context.Context, r meter.Record) (int64, error)
	List(ctx context.Context) ([]meter.Record, error)
	Clear(ctx context.Context) error
}

// Status is a point-in-time view of the recorder.
type Status struct {
	State          meter.SessionState  `json:"state"`
	SessionID      string              `json:"session_id,omitempty"`
	Stats          meter.Stats         `json:"stats"`
	LastBrightness *float64            `json:"last_brightness"`
	ROI            meter.NormalizedRoi `json:"roi"`
	MeterConstant  float64             `json:"meter_constant"`
}

// StopResult carries the final stats of a stopped session and the id of the
// stored record, if one was written.
type StopResult struct {
	Stats     meter.Stats `json:"stats"`
	SessionID string      `json:"session_id"`
	RecordID  *int64      `json:"record_id,omitempty"`
}

// FrameResult is the outcome of sampling one frame.
type FrameResult struct {
	Brightness float64
	Pulse      bool
	Stats      meter.Stats
}

// Recorder owns one measurement session, the region of interest and the
// persistence of finished measurements. All methods are safe for concurrent
// use; calls are serialized so the session sees a single writer.
type Recorder struct {
	mu             sync.Mutex
	session        *meter.Session
	store          Storer
	logger         *slog.Logger
	roi            meter.NormalizedRoi
	defaultConst   float64
	sessionID      string
	lastBrightness *float64
	// serverClock is set for sessions started by StartNow. Other sessions run on
	// the caller's timestamps and never mix in wall-clock time.
	serverClock bool
}

// NewRecorder returns an idle recorder. store may be nil, in which case nothing is persisted.
func NewRecorder(params meter.DetectorParams, roi meter.NormalizedRoi, meterConstant float64, store Storer, logger *slog.Logger) *Recorder {
	return &Recorder{
		session:      meter.NewSession(params, logger, nil),
		store:        store,
		logger:       logger,
		roi:          roi.WithSize(roi.Width, roi.Height),
		defaultConst: meterConstant,
	}
}

// Start begins a session at tsMillis on the caller's clock. Samples must be stamped
// on the same clock. A zero meterConstant uses the configured default.
func (r *Recorder) Start(tsMillis int64, meterConstant float64) (meter.Stats, error) {
	return r.start(tsMillis, meterConstant, false)
}

// StartNow begins a session at now on the server clock.
func (r *Recorder) StartNow(now time.Time, meterConstant float64) (meter.Stats, error) {
	return r.start(now.UnixMilli(), meterConstant, true)
}

func (r *Recorder) start(tsMillis int64, meterConstant float64, serverClock bool) (meter.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meterConstant == 0 {
		meterConstant = r.defaultConst
	}
	if err := r.session.Start(tsMillis, meterConstant); err != nil {
		return meter.Stats{}, err
	}
	r.sessionID = uuid.NewString()
	r.lastBrightness = nil
	r.serverClock = serverClock
	if r.logger != nil {
		r.logger.Info("measurement started", "session", r.sessionID, "meterConstant", meterConstant,
			"roi", r.roi, "serverClock", serverClock)
	}
	return r.session.Stats(), nil
}

// Sample feeds a brightness value taken at tsMillis.
func (r *Recorder) Sample(tsMillis int64, brightness float64) (bool, meter.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sample(tsMillis, brightness)
}

func (r *Recorder) sample(tsMillis int64, brightness float64) (bool, meter.Stats, error) {
	pulse, err := r.session.Sample(tsMillis, brightness)
	if err != nil {
		return false, r.session.Stats(), err
	}
	b := brightness
	r.lastBrightness = &b
	st := r.session.Stats()
	if pulse && r.logger != nil {
		r.logger.Info("pulse", "session", r.sessionID, "pulses", st.Pulses, "power", meter.FormatPower(st.PowerWatts))
	}
	return pulse, st, nil
}

// SampleFrame extracts the brightness of the current region from img and samples it.
func (r *Recorder) SampleFrame(tsMillis int64, img meter.DecodedImage) (FrameResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.State() != meter.StateMeasuring {
		return FrameResult{Stats: r.session.Stats()}, fmt.Errorf("sample: %w: not measuring", meter.ErrInvalidState)
	}
	brightness := meter.ExtractBrightness(img, r.roi)
	pulse, st, err := r.sample(tsMillis, brightness)
	return FrameResult{Brightness: brightness, Pulse: pulse, Stats: st}, err
}

// Stop finalizes the session at tsMillis and stores the record when it holds at
// least one pulse over a positive duration. A storage failure is returned with
// the final stats; the session is idle either way.
func (r *Recorder) Stop(ctx context.Context, tsMillis int64) (StopResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop(ctx, tsMillis)
}

// StopNow stops the session at the time it has reached on its own clock: now for
// server-clock sessions, the last sample otherwise.
func (r *Recorder) StopNow(ctx context.Context, now time.Time) (StopResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop(ctx, r.reached(now))
}

func (r *Recorder) stop(ctx context.Context, tsMillis int64) (StopResult, error) {
	st, err := r.session.Stop(tsMillis)
	if err != nil {
		return StopResult{}, err
	}
	res := StopResult{Stats: st, SessionID: r.sessionID}
	if r.logger != nil {
		r.logger.Info("measurement stopped", "session", r.sessionID, "pulses", st.Pulses,
			"duration", meter.FormatDuration(st.DurationSeconds), "power", meter.FormatPower(st.PowerWatts))
	}
	if !st.Persistable() || r.store == nil {
		return res, nil
	}
	id, err := r.store.Insert(ctx, r.session.Record(r.sessionID))
	if err != nil {
		if r.logger != nil {
			r.logger.Error("save measurement", "session", r.sessionID, "error", err)
		}
		return res, fmt.Errorf("save measurement: %w", err)
	}
	res.RecordID = &id
	return res, nil
}

// Measuring reports whether a session is active.
func (r *Recorder) Measuring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.State() == meter.StateMeasuring
}

// Progress returns the start of the active session and the timestamp it has
// reached on its own clock (see StopNow).
func (r *Recorder) Progress(now time.Time) (startedAt, reached int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.session.Stats()
	if r.session.State() != meter.StateMeasuring || st.StartedAtMillis == nil {
		return 0, 0, false
	}
	return *st.StartedAtMillis, r.reached(now), true
}

func (r *Recorder) reached(now time.Time) int64 {
	last := r.session.LastTimestamp()
	if r.serverClock {
		if ms := now.UnixMilli(); ms > last {
			return ms
		}
	}
	return last
}

// SetROI replaces the region of interest, clamped inside the frame.
// The region cannot change while measuring.
func (r *Recorder) SetROI(roi meter.NormalizedRoi) (meter.NormalizedRoi, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.State() == meter.StateMeasuring {
		return r.roi, fmt.Errorf("set roi: %w: measuring", meter.ErrInvalidState)
	}
	r.roi = r.roi.WithSize(roi.Width, roi.Height).WithCenter(roi.CenterX, roi.CenterY)
	return r.roi, nil
}

// ROI returns the current region of interest.
func (r *Recorder) ROI() meter.NormalizedRoi {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roi
}

// Status returns the current state, stats and settings.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	constant := r.defaultConst
	if r.session.State() == meter.StateMeasuring {
		constant = r.session.MeterConstant()
	}
	var last *float64
	if r.lastBrightness != nil {
		b := *r.lastBrightness
		last = &b
	}
	return Status{
		State:          r.session.State(),
		SessionID:      r.sessionID,
		Stats:          r.session.Stats(),
		LastBrightness: last,
		ROI:            r.roi,
		MeterConstant:  constant,
	}
}

// History lists stored measurements, newest first.
func (r *Recorder) History(ctx context.Context) ([]meter.Record, error) {
	if r.store == nil {
		return []meter.Record{}, nil
	}
	return r.store.List(ctx)
}

// ClearHistory removes every stored measurement.
func (r *Recorder) ClearHistory(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	return r.store.Clear(ctx)
}
