package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/soyeahso/tokengate/internal/session"
)

// sseSink streams session events to an HTTP response as server-sent
// events. Headers are written lazily on the first event so admission
// failures can still produce a plain HTTP error. Send blocks on the
// client's socket, which is what propagates backpressure up the mux.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	req     *http.Request
	started bool
}

func newSSESink(w http.ResponseWriter, r *http.Request) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher, req: r}
}

// Started reports whether any event has been written.
func (s *sseSink) Started() bool { return s.started }

// Send writes one event frame and flushes it to the client.
func (s *sseSink) Send(evt session.OutEvent) error {
	if err := s.req.Context().Err(); err != nil {
		return session.ErrClientGone
	}

	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return session.ErrClientGone
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
