package capture

import (
	"image"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

const (
	captureStatsLogInterval = 5 * time.Second
	// maxConsecutiveFailures stops the service when the screen stays unreadable.
	maxConsecutiveFailures = 10
)

// CaptureService acquires screen frames (selection or full screen) at a fixed
// interval and exposes the latest capture alongside instrumentation data.
// Use NewCaptureService to construct an instance.
type CaptureService interface {
	Start()
	Stop()
	LatestFrame() FrameSnapshot
	Running() bool
	SetSelectionProvider(func() *image.Rectangle)
	Stats() CaptureStats
}

type captureService struct {
	running      atomic.Bool
	latest       atomic.Pointer[FrameSnapshot]
	selFn        atomic.Pointer[func() *image.Rectangle]
	grab         GrabFunc
	interval     time.Duration
	logger       *slog.Logger
	captures     atomic.Uint64
	skipped      atomic.Uint64
	captureNanos atomic.Uint64
	sequence     atomic.Uint64
}

func newCaptureService(logger *slog.Logger, selectionFn func() *image.Rectangle, interval time.Duration, grab GrabFunc) *captureService {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if grab == nil {
		grab = GrabSelection
	}
	s := &captureService{grab: grab, interval: interval, logger: logger}
	s.SetSelectionProvider(selectionFn)
	return s
}

// NewCaptureService constructs a screen capture service that grabs the
// selection rectangle (or the whole screen) every interval.
func NewCaptureService(logger *slog.Logger, selectionFn func() *image.Rectangle, interval time.Duration) CaptureService {
	return newCaptureService(logger, selectionFn, interval, nil)
}

func (s *captureService) SetSelectionProvider(fn func() *image.Rectangle) {
	if fn == nil {
		s.selFn.Store(nil)
		return
	}
	s.selFn.Store(&fn)
}

func (s *captureService) LatestFrame() FrameSnapshot {
	snap := s.latest.Load()
	if snap == nil {
		return FrameSnapshot{}
	}
	return *snap
}

func (s *captureService) Running() bool { return s.running.Load() }

func (s *captureService) Stats() CaptureStats {
	captures := s.captures.Load()
	skipped := s.skipped.Load()
	total := s.captureNanos.Load()
	var avg time.Duration
	avgMicros := 0.0
	if captures > 0 && total > 0 {
		avg = time.Duration(total / captures)
		avgMicros = float64(avg) / float64(time.Microsecond)
	}
	snapshot := s.LatestFrame()
	age := time.Duration(0)
	if !snapshot.CapturedAt.IsZero() {
		age = time.Since(snapshot.CapturedAt)
	}
	return CaptureStats{
		Captures:         captures,
		Skipped:          skipped,
		AvgCapture:       avg,
		AvgCaptureMicros: avgMicros,
		LastCapture:      snapshot.CapturedAt,
		LatestFrameAge:   age,
		Sequence:         snapshot.Sequence,
	}
}

func (s *captureService) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

func (s *captureService) Stop() {
	s.running.Store(false)
}

func (s *captureService) selection() image.Rectangle {
	fn := s.selFn.Load()
	if fn == nil || *fn == nil {
		return image.Rectangle{}
	}
	if r := (*fn)(); r != nil {
		return *r
	}
	return image.Rectangle{}
}

func (s *captureService) loop() {
	defer func() {
		if r := recover(); r != nil {
			s.running.Store(false)
			if s.logger != nil {
				s.logger.Error("capture loop panic", "error", r, "stack", string(debug.Stack()))
			}
		}
	}()
	logTicker := time.NewTicker(captureStatsLogInterval)
	defer logTicker.Stop()
	failures := 0
	for s.running.Load() {
		start := time.Now()
		img, err := s.grab(s.selection())
		if err != nil || img == nil {
			if err != nil && s.logger != nil {
				s.logger.Error("capture selection", "error", err)
			}
			s.skipped.Add(1)
			failures++
			if failures >= maxConsecutiveFailures {
				s.running.Store(false)
				if s.logger != nil {
					s.logger.Error("capture stopped", "consecutiveFailures", failures)
				}
				return
			}
			time.Sleep(s.interval)
			continue
		}
		failures = 0

		elapsed := time.Since(start)
		s.captureNanos.Add(uint64(elapsed.Nanoseconds()))
		s.captures.Add(1)
		seq := s.sequence.Add(1)
		s.latest.Store(&FrameSnapshot{Image: img, CapturedAt: time.Now(), Sequence: seq})

		select {
		case <-logTicker.C:
			s.logStats()
		default:
		}

		if rest := s.interval - elapsed; rest > 0 {
			time.Sleep(rest)
		}
	}
}

func (s *captureService) logStats() {
	if s.logger == nil {
		return
	}
	stats := s.Stats()
	s.logger.Debug("capture.stats",
		"captures", stats.Captures,
		"skipped", stats.Skipped,
		"avg_capture", stats.AvgCapture,
		"age", stats.LatestFrameAge,
	)
}

var _ FrameSource = (*captureService)(nil)
var _ ServiceContract = (*captureService)(nil)
