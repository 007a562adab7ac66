package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/soocke/pulse-meter-go/domain/capture"
	"github.com/soocke/pulse-meter-go/domain/meter"
)

// FrameMessage is one camera frame sent by a client as a binary CBOR message.
// Ts is the capture time in milliseconds on the same clock used to start the session.
// ROI, when set, replaces the region of interest; it is ignored while measuring.
type FrameMessage struct {
	Ts   int64                `cbor:"ts"`
	JPEG []byte               `cbor:"jpeg"`
	ROI  *meter.NormalizedRoi `cbor:"roi,omitempty"`
}

// StatsMessage is the reply to every FrameMessage.
type StatsMessage struct {
	Stats      meter.Stats `cbor:"stats"`
	Brightness float64     `cbor:"brightness"`
	Pulse      bool        `cbor:"pulse"`
	Error      string      `cbor:"error,omitempty"`
}

func (s *Server) handleFrames(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade", "error", err)
		}
		return
	}
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var writeMu sync.Mutex
	write := func(messageType int, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, payload)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		close(done)
		_ = conn.Close()
	}()

	if s.logger != nil {
		s.logger.Info("frame client connected", "remote", c.Request.RemoteAddr)
	}
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if s.logger != nil {
				s.logger.Info("frame client disconnected", "remote", c.Request.RemoteAddr, "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		reply, err := cbor.Marshal(s.processFrame(payload))
		if err != nil {
			continue
		}
		if err := write(websocket.BinaryMessage, reply); err != nil {
			return
		}
	}
}

// processFrame decodes one frame message and samples it.
func (s *Server) processFrame(payload []byte) StatsMessage {
	var msg FrameMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return s.frameError(fmt.Errorf("decode frame message: %w", err))
	}
	if msg.ROI != nil {
		if _, err := s.ctrl.SetROI(*msg.ROI); err != nil && !errors.Is(err, meter.ErrInvalidState) {
			return s.frameError(err)
		}
	}
	img, err := capture.DecodeJPEG(msg.JPEG)
	if err != nil {
		return s.frameError(err)
	}
	defer capture.RecycleFrame(img)
	res, err := s.ctrl.SampleFrame(msg.Ts, meter.FromRGBA(img))
	out := StatsMessage{Stats: res.Stats, Brightness: res.Brightness, Pulse: res.Pulse}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (s *Server) frameError(err error) StatsMessage {
	if s.logger != nil {
		s.logger.Debug("frame rejected", "error", err)
	}
	return StatsMessage{Stats: s.ctrl.Status().Stats, Error: err.Error()}
}
