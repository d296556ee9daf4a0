package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/notify"
)

// handleStreamAll streams every notification as server-sent events until the
// client disconnects.
func (s *Server) handleStreamAll(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, notify.AllTopic)
}

// handleStreamJob streams one job's notifications and ends after its
// terminal notification.
func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.engine.GetJob(id)
	if err != nil {
		s.writeModelError(w, err)
		return
	}

	// A finished job has nothing more to stream.
	if model.IsTerminal(job.Status) {
		setSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Safe even if the job finished since the check above: Subscribe on a
	// closed topic returns a closed channel.
	s.stream(w, r, id)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, topic string) {
	setSSEHeaders(w)

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.broker.Subscribe(topic)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				s.logger.Error("encode notification", "id", n.ID, "error", err)
				continue
			}
			if err := writeSSEEvent(w, n.Kind, string(payload)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}
