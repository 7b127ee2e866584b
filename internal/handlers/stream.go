package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/blacknet-honeypot/blacknet/internal/feed"
)

var keepaliveInterval = 30 * time.Second

// StreamHandler serves the live attempt feed over SSE.
type StreamHandler struct {
	hub *feed.Hub
}

func NewStreamHandler(hub *feed.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// HandleSSE handles GET /api/stream
// It replays the recent events, then streams live ones with periodic
// keepalives.
func (sh *StreamHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before hydrating so nothing falls in between.
	ch, cancel := sh.hub.Subscribe()
	defer cancel()

	for _, event := range sh.hub.Recent() {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
