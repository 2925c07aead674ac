package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/starford/perthro/internal/notestore"
)

// SSEHandler streams store events to clients as Server-Sent Events. Each
// request gets its own broker subscription for the lifetime of the
// connection.
type SSEHandler struct {
	broker    *notestore.Broker
	heartbeat time.Duration
}

// NewSSEHandler wraps a store event broker. heartbeat keeps idle
// connections alive through proxies; zero picks a default.
func NewSSEHandler(broker *notestore.Broker, heartbeat time.Duration) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &SSEHandler{broker: broker, heartbeat: heartbeat}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-sub:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
