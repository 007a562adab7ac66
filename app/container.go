package app

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/soocke/pulse-meter-go/config"
	"github.com/soocke/pulse-meter-go/debug"
	"github.com/soocke/pulse-meter-go/domain/capture"
	"github.com/soocke/pulse-meter-go/domain/recording"
	"github.com/soocke/pulse-meter-go/server"
	"github.com/soocke/pulse-meter-go/storage"
)

// Container assembles storage, the recorder, the frame source and the server.
type Container struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *storage.Store
	Recorder   *recording.Recorder
	CaptureSvc capture.CaptureService // nil unless the screen source is selected
	Sampler    *recording.Sampler
	Server     *server.Server
}

// BuildContainer constructs all components. The only side effect is opening the database.
func BuildContainer(cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c := &Container{Config: cfg, Logger: logger}
	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	c.Store = store
	c.Recorder = recording.NewRecorder(cfg.Detector, cfg.ROI, cfg.MeterConstant, store, logger)

	interval := time.Duration(cfg.SampleIntervalMs) * time.Millisecond
	var src capture.FrameSource
	if cfg.Source == config.SourceScreen {
		c.CaptureSvc = capture.NewCaptureService(logger, screenSelection(cfg), interval)
		src = c.CaptureSvc
	}
	c.Sampler = recording.NewSampler(c.Recorder, src, interval,
		time.Duration(cfg.MaxDurationSeconds)*time.Second, logger)
	c.Server = server.New(c.Recorder, cfg.ListenAddr, logger)
	return c, nil
}

// screenSelection returns the configured capture rectangle, or nil for the whole screen.
func screenSelection(cfg *config.Config) func() *image.Rectangle {
	if cfg.ScreenW <= 0 || cfg.ScreenH <= 0 {
		return nil
	}
	r := image.Rect(cfg.ScreenX, cfg.ScreenY, cfg.ScreenX+cfg.ScreenW, cfg.ScreenY+cfg.ScreenH)
	return func() *image.Rectangle { return &r }
}

// Run starts every component and blocks until ctx is cancelled or the server fails.
// An active measurement is stopped and stored before the database is closed.
func (c *Container) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.Config.Debug {
		debug.StartGoroutineLogger(ctx, 10*time.Second, c.Logger)
		debug.StartMemLogger(ctx, 10*time.Second, c.Logger)
	}
	if c.CaptureSvc != nil {
		c.CaptureSvc.Start()
		defer c.CaptureSvc.Stop()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Sampler.Run(ctx)
	}()

	err := c.Server.Run(ctx)
	cancel()
	wg.Wait()
	c.shutdown()
	return err
}

func (c *Container) shutdown() {
	if c.Recorder.Measuring() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		res, err := c.Recorder.StopNow(saveCtx, time.Now())
		cancel()
		if c.Logger != nil {
			c.Logger.Info("stopped measurement on shutdown", "pulses", res.Stats.Pulses, "error", err)
		}
	}
	if err := c.Store.Close(); err != nil && c.Logger != nil {
		c.Logger.Error("close store", "error", err)
	}
}
