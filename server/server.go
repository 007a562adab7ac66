// Package server exposes the meter over HTTP and accepts camera frames on a websocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/soocke/pulse-meter-go/domain/meter"
	"github.com/soocke/pulse-meter-go/domain/recording"
)

// Controller is the part of the recorder the server drives.
type Controller interface {
	Start(tsMillis int64, meterConstant float64) (meter.Stats, error)
	StartNow(now time.Time, meterConstant float64) (meter.Stats, error)
	Stop(ctx context.Context, tsMillis int64) (recording.StopResult, error)
	StopNow(ctx context.Context, now time.Time) (recording.StopResult, error)
	SampleFrame(tsMillis int64, img meter.DecodedImage) (recording.FrameResult, error)
	SetROI(roi meter.NormalizedRoi) (meter.NormalizedRoi, error)
	Status() recording.Status
	History(ctx context.Context) ([]meter.Record, error)
	ClearHistory(ctx context.Context) error
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = (pongWait * 9) / 10
	maxFrameSize = 8 << 20
)

// Server serves the control API and the frame websocket.
type Server struct {
	ctrl     Controller
	logger   *slog.Logger
	addr     string
	upgrader websocket.Upgrader
	now      func() time.Time
	engine   *gin.Engine
}

// New builds a server listening on addr once Run is called.
func New(ctrl Controller, addr string, logger *slog.Logger) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: logger,
		addr:   addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	s.engine = gin.New()
	s.setupRouter(s.engine)
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	if s.logger != nil {
		s.logger.Info("http server listening", "addr", s.addr)
	}
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) setupRouter(r *gin.Engine) {
	r.Use(
		gin.CustomRecovery(func(c *gin.Context, err any) {
			if s.logger != nil {
				s.logger.Error("panic", "err", err, "stack", string(debug.Stack()))
			}
			c.AbortWithStatus(http.StatusInternalServerError)
		}),
		s.requestLogger(),
	)
	r.Use(cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Accept", "Content-Length", "Content-Type", "Origin"},
		AllowOriginFunc:  func(_ string) bool { return true },
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api")
	api.GET("/session", s.getSession)
	api.POST("/session/start", s.startSession)
	api.POST("/session/stop", s.stopSession)
	api.PUT("/roi", s.putROI)
	api.GET("/measurements", s.listMeasurements)
	api.DELETE("/measurements", s.clearMeasurements)

	r.GET("/ws/frames", s.handleFrames)
}

// requestLogger logs one line per request, skipping CORS preflights.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.logger == nil || c.Request.Method == http.MethodOptions {
			return
		}
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// statusCode maps domain errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, meter.ErrInvalidConfig), errors.Is(err, meter.ErrInvalidSample):
		return http.StatusBadRequest
	case errors.Is(err, meter.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
