package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer streams server-sent events to a client. Long-running batch
// operations use it to report per-VM progress.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Writer{w: w, f: f}, nil
}

// Send writes one JSON event and flushes it immediately.
func (s *Writer) Send(message any) {
	b, _ := json.Marshal(message)
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.f.Flush()
}
