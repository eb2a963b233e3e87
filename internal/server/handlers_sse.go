package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// @Summary Server-Sent Events stream
// @Description Live job events. Pass queues=a,b to filter by queue.
// @Tags System
// @Produce text/event-stream
// @Param queues query string false "Comma separated queue names"
// @Success 200 "SSE stream"
// @Router /events [get]
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusNotFound, "event stream disabled", "NOT_FOUND")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}

	var queues []string
	for _, q := range strings.Split(r.URL.Query().Get("queues"), ",") {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}
	sub := s.broker.Subscribe(queues...)
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			seq++
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data)
			flusher.Flush()
		}
	}
}
