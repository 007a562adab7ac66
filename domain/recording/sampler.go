package recording

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/soocke/pulse-meter-go/domain/capture"
	"github.com/soocke/pulse-meter-go/domain/meter"
)

// Sampler periodically pulls the latest frame from a FrameSource and feeds it
// to the recorder. It also enforces the maximum session duration, which applies
// to sessions fed by other producers too; src may be nil for that use.
type Sampler struct {
	rec         *Recorder
	src         capture.FrameSource
	interval    time.Duration
	maxDuration time.Duration
	logger      *slog.Logger
	lastSeq     uint64
}

// NewSampler returns a sampler ticking every interval. maxDuration <= 0 disables the cutoff.
func NewSampler(rec *Recorder, src capture.FrameSource, interval, maxDuration time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Sampler{rec: rec, src: src, interval: interval, maxDuration: maxDuration, logger: logger}
}

// Run ticks until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("sampler panic", "error", r, "stack", string(debug.Stack()))
		}
	}()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick performs one sampling step at now. The duration cutoff is measured on the
// session's own clock.
func (s *Sampler) Tick(ctx context.Context, now time.Time) {
	startedAt, _, ok := s.rec.Progress(now)
	if !ok {
		return
	}
	if s.src != nil {
		if !s.src.Running() {
			s.stop(ctx, now, "frame source stopped")
			return
		}
		s.sampleLatest(startedAt)
	}
	if s.maxDuration <= 0 {
		return
	}
	if _, reached, ok := s.rec.Progress(now); ok && time.Duration(reached-startedAt)*time.Millisecond >= s.maxDuration {
		s.stop(ctx, now, "maximum duration reached")
	}
}

func (s *Sampler) sampleLatest(startedAt int64) {
	snap := s.src.LatestFrame()
	if snap.Empty() || snap.Sequence == s.lastSeq || snap.CapturedAt.UnixMilli() < startedAt {
		return
	}
	s.lastSeq = snap.Sequence
	res, err := s.rec.SampleFrame(snap.CapturedAt.UnixMilli(), meter.FromRGBA(snap.Image))
	if err != nil {
		if s.logger != nil && !errors.Is(err, meter.ErrInvalidState) {
			s.logger.Warn("sample frame", "seq", snap.Sequence, "error", err)
		}
		return
	}
	if s.logger != nil {
		s.logger.Debug("sample", "seq", snap.Sequence, "brightness", res.Brightness, "pulse", res.Pulse)
	}
}

func (s *Sampler) stop(ctx context.Context, now time.Time, reason string) {
	res, err := s.rec.StopNow(ctx, now)
	if errors.Is(err, meter.ErrInvalidState) {
		return
	}
	if s.logger != nil {
		s.logger.Info("sampler stopped measurement", "reason", reason, "pulses", res.Stats.Pulses, "error", err)
	}
}
