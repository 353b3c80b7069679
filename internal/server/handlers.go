package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hkuds/cellbox/internal/engine"
	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/session"
)

type executeRequest struct {
	Code           string  `json:"code"`
	CellID         string  `json:"cellId"`
	Language       string  `json:"language"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
}

type executeResponse struct {
	SessionID string         `json:"sessionId"`
	Events    []output.Event `json:"events"`
}

func (s *Server) bindRequest(c *gin.Context) (engine.Request, bool) {
	var body executeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return engine.Request{}, false
	}
	lang, err := engine.ParseLanguage(body.Language)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return engine.Request{}, false
	}
	if body.TimeoutSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeoutSeconds must not be negative"})
		return engine.Request{}, false
	}
	return engine.Request{
		SessionID: c.Param("id"),
		CellID:    body.CellID,
		Code:      body.Code,
		Language:  lang,
		Timeout:   time.Duration(body.TimeoutSeconds * float64(time.Second)),
	}, true
}

func (s *Server) handleExecute(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}
	events, err := s.engine.Execute(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	if events == nil {
		events = []output.Event{}
	}
	c.JSON(http.StatusOK, executeResponse{SessionID: req.SessionID, Events: events})
}

// handleStream sends one "output" event per output event, then "done".
func (s *Server) handleStream(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}
	seq, err := s.engine.Stream(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	count := 0
	for ev := range seq {
		c.SSEvent("output", ev)
		c.Writer.Flush()
		count++
		if c.Request.Context().Err() != nil {
			return
		}
	}
	c.SSEvent("done", gin.H{"sessionId": req.SessionID, "events": count})
	c.Writer.Flush()
}

func (s *Server) handleInterrupt(c *gin.Context) {
	h, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err := h.Interrupt(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted"})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.registry.List()})
}

func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")
	for _, info := range s.registry.List() {
		if info.ID == id {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	last := 0
	if v := c.Query("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "last must be a non-negative integer"})
			return
		}
		last = n
	}
	t := s.history.Get(c.Param("id"))
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no history for session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": t.SessionID,
		"cellCount": t.Len(),
		"cells":     t.Last(last),
	})
}

func (s *Server) handleHistoryDelete(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "deleted": s.history.Delete(id)})
}

func (s *Server) handleHistoryList(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	infos := s.history.List()
	if infos == nil {
		infos = []session.HistoryInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"histories": infos})
}

// handleClose is idempotent: closing an unknown session reports it absent.
func (s *Server) handleClose(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Get(id); !ok {
		c.JSON(http.StatusOK, gin.H{"status": "absent", "sessionId": id})
		return
	}
	if err := s.registry.Close(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "sessionId": id})
}

func (s *Server) handleCloseAll(c *gin.Context) {
	n := s.registry.Len()
	if err := s.registry.CloseAll(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "count": n})
}

func (s *Server) handleEvict(c *gin.Context) {
	secs, err := strconv.ParseFloat(c.DefaultQuery("max_idle_seconds", "0"), 64)
	if err != nil || secs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_idle_seconds must be a non-negative number"})
		return
	}
	evicted, err := s.registry.EvictIdle(c.Request.Context(), time.Duration(secs*float64(time.Second)))
	if err != nil {
		s.fail(c, err)
		return
	}
	if evicted == nil {
		evicted = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"evicted": evicted})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"backend":  s.opts.Backend,
		"version":  s.opts.Version,
		"sessions": s.registry.Len(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "session", c.Param("id"), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, kernel.ErrStartup):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrRegistryClosed), errors.Is(err, kernel.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
