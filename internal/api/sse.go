package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RichardoC/chatrooms/internal/relay"
)

// sseSink writes relay events as server-sent events, flushing each one.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

var _ relay.Sink = &sseSink{}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

// open sends the stream headers. The server write timeout is lifted because a
// reply may legitimately take longer than any single request.
func (s *sseSink) open() error {
	_ = s.rc.SetWriteDeadline(time.Time{})

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	return s.rc.Flush()
}

func (s *sseSink) Send(e relay.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.rc.Flush()
}
