package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/events"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams the activity feed as server-sent events. Clients
// resume with Last-Event-ID and may narrow the stream with ?types=a,b.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	wanted := parseTypes(r.URL.Query().Get("types"))
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	// Subscribe before replaying so nothing published in between is lost.
	live, cancel := s.feed.Subscribe(128)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev events.Event) bool {
		if ev.ID <= lastID {
			return true
		}
		lastID = ev.ID
		if wanted != nil && !wanted[ev.Type] {
			return true
		}
		return writeSSE(w, ev) == nil
	}

	for _, ev := range s.feed.SnapshotSince(lastID) {
		if !send(ev) {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok || !send(ev) {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseTypes returns nil (everything) for an empty filter.
func parseTypes(v string) map[string]bool {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
