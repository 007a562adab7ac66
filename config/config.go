package config

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/soocke/pulse-meter-go/domain/meter"
)

const (
	SourceWebsocket = "ws"
	SourceScreen    = "screen"
)

// Config holds runtime configuration for sampling, detection and storage.
// Fields may be loaded from a JSON or TOML file and overridden by command-line flags.
type Config struct {
	Debug bool `json:"debug" toml:"debug"`

	// Measurement parameters
	MeterConstant      float64              `json:"meter_constant" toml:"meter_constant"`
	ROI                meter.NormalizedRoi  `json:"roi" toml:"roi"`
	SampleIntervalMs   int                  `json:"sample_interval_ms" toml:"sample_interval_ms"`
	MaxDurationSeconds int                  `json:"max_duration_seconds" toml:"max_duration_seconds"`
	Detector           meter.DetectorParams `json:"detector" toml:"detector"`

	// Services
	DatabaseDSN string `json:"database_dsn" toml:"database_dsn"`
	ListenAddr  string `json:"listen_addr" toml:"listen_addr"`
	Source      string `json:"source" toml:"source"`

	// Capture rectangle for the screen source, in screen pixels.
	ScreenX int `json:"screen_x" toml:"screen_x"`
	ScreenY int `json:"screen_y" toml:"screen_y"`
	ScreenW int `json:"screen_w" toml:"screen_w"`
	ScreenH int `json:"screen_h" toml:"screen_h"`
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		Debug:              false,
		MeterConstant:      3200,
		ROI:                meter.DefaultRoi(),
		SampleIntervalMs:   250,
		MaxDurationSeconds: 0,
		Detector:           meter.DefaultDetectorParams(),
		DatabaseDSN:        "meter.db",
		ListenAddr:         ":8080",
		Source:             SourceWebsocket,
		ScreenX:            0,
		ScreenY:            0,
		ScreenW:            0,
		ScreenH:            0,
	}
}

// Validate clamps/normalizes values to safe ranges.
func (c *Config) Validate() error {
	if !finite(c.MeterConstant) || c.MeterConstant <= 0 {
		c.MeterConstant = 3200
	}
	if !finite(c.ROI.CenterX) || !finite(c.ROI.CenterY) || !finite(c.ROI.Width) || !finite(c.ROI.Height) ||
		c.ROI.Width <= 0 || c.ROI.Height <= 0 {
		c.ROI = meter.DefaultRoi()
	}
	c.ROI = c.ROI.WithSize(c.ROI.Width, c.ROI.Height)
	if c.SampleIntervalMs < 20 {
		c.SampleIntervalMs = 250
	}
	if c.MaxDurationSeconds < 0 {
		c.MaxDurationSeconds = 0
	}
	c.Detector = c.Detector.Normalize()
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		c.DatabaseDSN = "meter.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Source != SourceScreen {
		c.Source = SourceWebsocket
	}
	if c.ScreenW < 0 {
		c.ScreenW = 0
	}
	if c.ScreenH < 0 {
		c.ScreenH = 0
	}
	return nil
}

// Load attempts to read configuration from the given path. Files ending in .toml are parsed as
// TOML, anything else as JSON. If the file does not exist it returns DefaultConfig(). On decode
// error it returns defaults with the error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if isTOML(path) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return DefaultConfig(), err
	}
	_ = cfg.Validate()
	return cfg, nil
}

// Save writes the configuration to the given path, as TOML for .toml paths and indented JSON otherwise.
func (c *Config) Save(path string) error {
	_ = c.Validate()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if isTOML(path) {
		enc := toml.NewEncoder(f)
		enc.SetIndentTables(true)
		return enc.Encode(c)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
