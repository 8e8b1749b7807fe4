package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gtmgraph/gtmgraph/pkg/events"
)

// StreamRun handles GET /api/v1/runs/:id/stream. Events are delivered as SSE
// frames with the per-run sequence number as the SSE event ID, so a client
// reconnecting with Last-Event-ID replays everything it missed before
// switching to live delivery. The stream closes after a terminal run event.
func (s *Server) StreamRun(c *gin.Context) {
	runID := c.Param("id")
	if _, err := s.store.GetRun(c.Request.Context(), runID); err != nil {
		abortWithError(c, err)
		return
	}

	var afterSeq int64
	if last := c.GetHeader("Last-Event-ID"); last != "" {
		parsed, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			abortBadRequest(c, fmt.Errorf("invalid Last-Event-ID %q", last))
			return
		}
		afterSeq = parsed
	}

	ch, cancel, err := s.bus.Subscribe(c.Request.Context(), runID, afterSeq)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				return
			}
			c.Writer.Flush()
			if terminalEvent(ev.Type) {
				return
			}
		}
	}
}

func writeSSE(w gin.ResponseWriter, ev *events.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

func terminalEvent(eventType string) bool {
	switch eventType {
	case events.EventTypeRunCompleted, events.EventTypeRunBlocked, events.EventTypeRunFailed:
		return true
	}
	return false
}
