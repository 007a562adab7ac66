package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soocke/pulse-meter-go/domain/meter"
	"github.com/soocke/pulse-meter-go/domain/recording"
)

type startInput struct {
	MeterConstant float64 `json:"meter_constant"`
	// Ts puts the session on the client's clock; frames must be stamped on the same clock.
	// Without it the session runs on server time.
	Ts *int64 `json:"ts"`
}

// stopInput.Ts defaults to the time the session has reached on its own clock.
type stopInput struct {
	Ts *int64 `json:"ts"`
}

// roiInput updates only the fields that are present.
type roiInput struct {
	CenterX *float64 `json:"center_x"`
	CenterY *float64 `json:"center_y"`
	Width   *float64 `json:"width"`
	Height  *float64 `json:"height"`
}

func (in roiInput) apply(roi meter.NormalizedRoi) meter.NormalizedRoi {
	if in.CenterX != nil {
		roi.CenterX = *in.CenterX
	}
	if in.CenterY != nil {
		roi.CenterY = *in.CenterY
	}
	if in.Width != nil {
		roi.Width = *in.Width
	}
	if in.Height != nil {
		roi.Height = *in.Height
	}
	return roi
}

type stopOutput struct {
	Stats     meter.Stats `json:"stats"`
	SessionID string      `json:"session_id"`
	RecordID  *int64      `json:"record_id,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// bindOptional decodes an optional JSON body; an empty body leaves in untouched.
func bindOptional(c *gin.Context, in any) error {
	if err := c.ShouldBindJSON(in); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) startSession(c *gin.Context) {
	var in startInput
	if err := bindOptional(c, &in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if in.MeterConstant < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "meter_constant must be positive"})
		return
	}
	var err error
	if in.Ts != nil {
		_, err = s.ctrl.Start(*in.Ts, in.MeterConstant)
	} else {
		_, err = s.ctrl.StartNow(s.now(), in.MeterConstant)
	}
	if err != nil {
		c.JSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) stopSession(c *gin.Context) {
	var in stopInput
	if err := bindOptional(c, &in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		res recording.StopResult
		err error
	)
	if in.Ts != nil {
		res, err = s.ctrl.Stop(c.Request.Context(), *in.Ts)
	} else {
		res, err = s.ctrl.StopNow(c.Request.Context(), s.now())
	}
	out := stopOutput{Stats: res.Stats, SessionID: res.SessionID, RecordID: res.RecordID}
	if err != nil {
		out.Error = err.Error()
		c.JSON(statusCode(err), out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) putROI(c *gin.Context) {
	var in roiInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	roi, err := s.ctrl.SetROI(in.apply(s.ctrl.Status().ROI))
	if err != nil {
		c.JSON(statusCode(err), gin.H{"error": err.Error(), "roi": roi})
		return
	}
	c.JSON(http.StatusOK, roi)
}

func (s *Server) listMeasurements(c *gin.Context) {
	recs, err := s.ctrl.History(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": recs, "total": len(recs)})
}

func (s *Server) clearMeasurements(c *gin.Context) {
	if err := s.ctrl.ClearHistory(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
