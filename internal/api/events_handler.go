package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lkhq/spark/internal/events"
)

// handleEvents handles GET /events: the agent lifecycle stream as
// server-sent events. Clients resume after a drop by sending the standard
// Last-Event-ID header; anything still in the hub's replay ring is sent
// before live events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost;
	// the live loop skips whatever the replay already sent.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	last := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.Since(last) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		last = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= last {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			last = ev.ID
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Kind != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Kind); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; the hub's payloads are single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
