package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
)

// handleJobEvents streams a job's events as SSE until the job completes, is
// cancelled or errors, or the client disconnects.
// GET /v1/jobs/{id}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the job so no transition is missed in between.
	ch, unsub := s.events.Subscribe(domain.JobChannel(id))
	defer unsub()

	job, err := s.engine.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The current state goes first so late subscribers see where the job is.
	writeEvent(w, "snapshot", job)
	flusher.Flush()
	if job.IsTerminal() {
		return
	}

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, string(evt.Type), evt)
			flusher.Flush()
			if endsStream(evt.Type) {
				return
			}
		}
	}
}

func endsStream(t domain.EventType) bool {
	switch t {
	case domain.EventCompleted, domain.EventCancelled, domain.EventErrored:
		return true
	}
	return false
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
