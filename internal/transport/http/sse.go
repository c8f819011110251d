package http

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sendSSEEvent writes one Server-Sent Event frame and flushes it
// immediately, so subscribers see each event as it is published rather
// than buffered behind the response writer.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

// events streams the coordinator's event bus as SSE until the client
// disconnects. Unlike the teacher's per-job SSE stream, this one never
// terminates on its own: the bus outlives any single subscriber.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsubscribe := h.coord.Subscribe()
	defer unsubscribe()

	sendSSEEvent(w, flusher, "status", h.coord.Status())

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, ev.Kind.String(), ev)
		}
	}
}
