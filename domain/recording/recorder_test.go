package recording

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/soocke/pulse-meter-go/domain/capture"
	"github.com/soocke/pulse-meter-go/domain/meter"
)

var discardLogger = slog.New(slog.NewTextHandler(&discardWriter{}, nil))

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type memStore struct {
	mu      sync.Mutex
	records []meter.Record
	fail    error
}

func (m *memStore) Insert(_ context.Context, r meter.Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	r.ID = int64(len(m.records) + 1)
	m.records = append(m.records, r)
	return r.ID, nil
}

func (m *memStore) List(context.Context) ([]meter.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]meter.Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memStore) Clear(context.Context) error {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
	return nil
}

func newTestRecorder(store Storer) *Recorder {
	return NewRecorder(meter.DefaultDetectorParams(), meter.DefaultRoi(), 3200, store, discardLogger)
}

// uniformImage returns a raster of a single gray level.
func uniformImage(w, h int, v byte) meter.DecodedImage {
	data := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		data[i*4], data[i*4+1], data[i*4+2], data[i*4+3] = v, v, v, 255
	}
	return meter.DecodedImage{Width: w, Height: h, Data: data}
}

// flash runs a session with one brightness spike and returns the stop result.
func flash(t *testing.T, r *Recorder) (StopResult, error) {
	t.Helper()
	if _, err := r.Start(1000, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i, v := range []byte{50, 50, 150, 50} {
		if _, err := r.SampleFrame(int64(1250+i*250), uniformImage(8, 8, v)); err != nil {
			t.Fatalf("sample frame: %v", err)
		}
	}
	return r.Stop(context.Background(), 3000)
}

func TestRecorder_PersistsCompletedMeasurement(t *testing.T) {
	store := &memStore{}
	r := newTestRecorder(store)
	res, err := flash(t, r)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Stats.Pulses != 1 || res.RecordID == nil || *res.RecordID != 1 {
		t.Fatalf("unexpected stop result %+v", res)
	}
	recs, _ := r.History(context.Background())
	if len(recs) != 1 {
		t.Fatalf("expected one stored record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.TimestampMillis != 1000 || rec.MeterConstant != 3200 || rec.DurationSeconds != 2 || rec.SessionID != res.SessionID {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.PowerWatts == nil || *rec.PowerWatts != 1*3_600_000/(3200*2.0) {
		t.Fatalf("unexpected power %v", rec.PowerWatts)
	}
	if err := r.ClearHistory(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if recs, _ := r.History(context.Background()); len(recs) != 0 {
		t.Fatalf("history not cleared")
	}
}

func TestRecorder_SkipsEmptyMeasurement(t *testing.T) {
	store := &memStore{}
	r := newTestRecorder(store)
	_, _ = r.Start(0, 1600)
	_, _, _ = r.Sample(250, 80)
	res, err := r.Stop(context.Background(), 1000)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.RecordID != nil || len(store.records) != 0 || res.Stats.PowerWatts != nil {
		t.Fatalf("zero-pulse session should not be stored: %+v", res)
	}
}

func TestRecorder_StorageFailureStillStops(t *testing.T) {
	boom := errors.New("disk full")
	r := newTestRecorder(&memStore{fail: boom})
	res, err := flash(t, r)
	if !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if res.Stats.Pulses != 1 || res.RecordID != nil {
		t.Fatalf("final stats should be reported on storage failure: %+v", res)
	}
	if r.Measuring() {
		t.Fatalf("recorder should be idle after a failed save")
	}
	if _, err := r.Start(10_000, 0); err != nil {
		t.Fatalf("restart after failed save: %v", err)
	}
}

func TestRecorder_StateErrors(t *testing.T) {
	r := newTestRecorder(nil)
	if _, err := r.SampleFrame(0, uniformImage(2, 2, 10)); !errors.Is(err, meter.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := r.Stop(context.Background(), 0); !errors.Is(err, meter.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := r.Start(0, -1); !errors.Is(err, meter.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if r.Measuring() {
		t.Fatalf("failed start must leave recorder idle")
	}
}

func TestRecorder_ROI(t *testing.T) {
	r := newTestRecorder(nil)
	got, err := r.SetROI(meter.NormalizedRoi{CenterX: 0.99, CenterY: 0.5, Width: 0.2, Height: 0.2})
	if err != nil {
		t.Fatalf("set roi: %v", err)
	}
	if !got.Contained() || got.CenterX != 0.9 {
		t.Fatalf("roi not clamped: %+v", got)
	}
	_, _ = r.Start(0, 0)
	if _, err := r.SetROI(meter.DefaultRoi()); !errors.Is(err, meter.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while measuring, got %v", err)
	}
	if r.ROI() != got {
		t.Fatalf("roi changed while measuring")
	}
}

func TestRecorder_Status(t *testing.T) {
	r := newTestRecorder(nil)
	st := r.Status()
	if st.State != meter.StateIdle || st.LastBrightness != nil || st.MeterConstant != 3200 {
		t.Fatalf("unexpected idle status %+v", st)
	}
	_, _ = r.Start(0, 1000)
	_, _ = r.SampleFrame(250, uniformImage(4, 4, 77))
	st = r.Status()
	if st.State != meter.StateMeasuring || st.SessionID == "" || st.MeterConstant != 1000 {
		t.Fatalf("unexpected measuring status %+v", st)
	}
	if st.LastBrightness == nil || *st.LastBrightness < 76.99 || *st.LastBrightness > 77.01 {
		t.Fatalf("unexpected last brightness %v", st.LastBrightness)
	}
}

func TestRecorder_ConcurrentSamplingIsSerialized(t *testing.T) {
	r := newTestRecorder(nil)
	_, _ = r.Start(0, 0)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = r.Status()
				_, _, _ = r.Sample(int64(i), 60)
			}
		}()
	}
	wg.Wait()
	if _, err := r.Stop(context.Background(), 100); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// fakeSource is a FrameSource with a settable snapshot.
type fakeSource struct {
	mu      sync.Mutex
	snap    capture.FrameSnapshot
	stopped bool
}

func (f *fakeSource) LatestFrame() capture.FrameSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.stopped
}

func (f *fakeSource) push(seq uint64, at time.Time, v byte) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	f.mu.Lock()
	f.snap = capture.FrameSnapshot{Image: img, CapturedAt: at, Sequence: seq}
	f.mu.Unlock()
}

func TestSampler_FeedsNewFramesOnly(t *testing.T) {
	r := newTestRecorder(nil)
	src := &fakeSource{}
	s := NewSampler(r, src, time.Millisecond, 0, discardLogger)
	base := time.UnixMilli(10_000)
	ctx := context.Background()

	s.Tick(ctx, base)
	src.push(1, base, 50)
	s.Tick(ctx, base)
	if r.Status().LastBrightness != nil {
		t.Fatalf("sampler must not sample while idle")
	}

	_, _ = r.Start(base.UnixMilli(), 0)
	s.Tick(ctx, base.Add(10*time.Millisecond))
	src.push(2, base.Add(250*time.Millisecond), 50)
	s.Tick(ctx, base.Add(260*time.Millisecond))
	s.Tick(ctx, base.Add(270*time.Millisecond))
	src.push(3, base.Add(500*time.Millisecond), 150)
	s.Tick(ctx, base.Add(510*time.Millisecond))

	st := r.Status()
	if st.Stats.Pulses != 1 {
		t.Fatalf("expected one pulse, got %+v", st.Stats)
	}
	if st.Stats.DurationSeconds != 0.5 {
		t.Fatalf("duration should follow frame timestamps, got %v", st.Stats.DurationSeconds)
	}
}

func TestSampler_MaxDurationOnClientClock(t *testing.T) {
	store := &memStore{}
	r := newTestRecorder(store)
	s := NewSampler(r, nil, time.Millisecond, 2*time.Second, discardLogger)
	ctx := context.Background()
	_, _ = r.Start(1_000, 0)
	for i, b := range []float64{50, 50, 150, 50, 50, 50} {
		_, _, _ = r.Sample(1_250+int64(250*i), b)
	}
	// wall time is far ahead of the client clock; only the samples count
	s.Tick(ctx, time.Now())
	if !r.Measuring() {
		t.Fatalf("client-clock session stopped by wall time")
	}
	_, _, _ = r.Sample(3_000, 50)
	s.Tick(ctx, time.Now())
	if r.Measuring() {
		t.Fatalf("expected cutoff once samples span the max duration")
	}
	if len(store.records) != 1 || store.records[0].DurationSeconds != 2 || store.records[0].Pulses != 1 {
		t.Fatalf("expected stored 2s record, got %+v", store.records)
	}
}

func TestSampler_MaxDurationOnServerClock(t *testing.T) {
	store := &memStore{}
	r := newTestRecorder(store)
	s := NewSampler(r, nil, time.Millisecond, 2*time.Second, discardLogger)
	start := time.UnixMilli(50_000)
	_, _ = r.StartNow(start, 0)
	_, _, _ = r.Sample(50_250, 50)
	_, _, _ = r.Sample(50_500, 150)
	s.Tick(context.Background(), start.Add(1500*time.Millisecond))
	if !r.Measuring() {
		t.Fatalf("stopped before the cutoff")
	}
	s.Tick(context.Background(), start.Add(2*time.Second))
	if r.Measuring() {
		t.Fatalf("expected cutoff at max duration")
	}
	if len(store.records) != 1 || store.records[0].DurationSeconds != 2 {
		t.Fatalf("expected stored 2s record, got %+v", store.records)
	}
}

func TestRecorder_StopNowFollowsSessionClock(t *testing.T) {
	r := newTestRecorder(nil)
	_, _ = r.Start(1_000, 3200)
	for i := 0; i < 8; i++ {
		b := 50.0
		if i == 3 {
			b = 150
		}
		_, _, _ = r.Sample(1_250+int64(250*i), b)
	}
	res, err := r.StopNow(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Stats.DurationSeconds != 2 || res.Stats.PowerWatts == nil || *res.Stats.PowerWatts != 562.5 {
		t.Fatalf("client-clock stop must end at the last sample, got %+v", res.Stats)
	}

	start := time.UnixMilli(100_000)
	_, _ = r.StartNow(start, 3200)
	if _, reached, ok := r.Progress(start.Add(3 * time.Second)); !ok || reached != 103_000 {
		t.Fatalf("server-clock progress should follow now, got %d ok=%v", reached, ok)
	}
	res, _ = r.StopNow(context.Background(), start.Add(4*time.Second))
	if res.Stats.DurationSeconds != 4 {
		t.Fatalf("server-clock stop should end at now, got %+v", res.Stats)
	}
}

func TestSampler_SourceFailureStopsSession(t *testing.T) {
	r := newTestRecorder(nil)
	src := &fakeSource{stopped: true}
	s := NewSampler(r, src, time.Millisecond, 0, discardLogger)
	_, _ = r.Start(0, 0)
	s.Tick(context.Background(), time.UnixMilli(400))
	if r.Measuring() {
		t.Fatalf("expected session stop when the frame source dies")
	}
}

func TestSampler_RunStopsOnCancel(t *testing.T) {
	r := newTestRecorder(nil)
	s := NewSampler(r, &fakeSource{}, time.Millisecond, 0, discardLogger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sampler did not exit on cancel")
	}
}
