package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vidatlas/internal/events"
	"vidatlas/internal/logging"
)

// handleJobEvents streams a job's progress as server-sent events. The
// subscriber's snapshot arrives first, then live updates; heartbeats fill
// gaps so proxies and clients can tell a quiet stream from a dead one. The
// stream ends after the terminal event (or when the client goes away).
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	j, err := s.deps.Store.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("job lookup failed", logging.String(logging.FieldJobID, id), logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if j == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	sub := s.deps.Hub.Subscribe(j)
	defer s.deps.Hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	interval := s.cfg.HeartbeatInterval()
	heartbeat := time.NewTimer(interval)
	defer heartbeat.Stop()

	status := j.Status
	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-sub.Events():
			if !open {
				// A slow consumer may have had its terminal event parked
				// instead of queued; deliver it before closing the stream.
				if parked := sub.Terminal(); parked != nil {
					_ = writeEvent(w, flusher, *parked)
				}
				return
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				return
			}
			resetTimer(heartbeat, interval)

		case <-heartbeat.C:
			// Heartbeats carry the current status; re-read the registry so
			// a long-quiet stream still reports transitions it missed.
			if latest, err := s.deps.Store.GetByID(r.Context(), id); err == nil && latest != nil {
				status = latest.Status
			}
			if err := writeEvent(w, flusher, events.Heartbeat(id, status)); err != nil {
				return
			}
			heartbeat.Reset(interval)
		}
	}
}

// writeEvent renders one event in text/event-stream framing.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// resetTimer restarts a timer that may or may not have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
