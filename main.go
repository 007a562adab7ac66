package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/soocke/pulse-meter-go/app"
	"github.com/soocke/pulse-meter-go/config"
)

func main() {
	cfgPath := flag.String("config", "config.toml", "path to a .toml or .json config file")
	source := flag.String("source", "", "frame source: ws or screen (overrides config)")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dsn := flag.String("db", "", "database DSN (overrides config)")
	debugFlag := flag.Bool("debug", false, "enable debug logging and runtime stats")
	flag.Parse()

	// Base config from file, falling back to defaults
	cfg, err := config.Load(*cfgPath)
	bootLogger := NewLogger(slog.LevelInfo)
	if err != nil {
		bootLogger.Warn("config load failed, using defaults", "path", *cfgPath, "error", err)
	}
	if *source != "" {
		cfg.Source = *source
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dsn != "" {
		cfg.DatabaseDSN = *dsn
	}
	if *debugFlag {
		cfg.Debug = true
	}

	// Set up logger
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := NewLogger(level)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.BuildContainer(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("pulse meter starting", "source", cfg.Source, "addr", cfg.ListenAddr, "meterConstant", cfg.MeterConstant)
	if err := c.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
