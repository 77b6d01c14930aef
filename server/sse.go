package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/driftworks/convoy/coord"
)

// sseClient represents a single SSE connection.
type sseClient struct {
	ch chan []byte
}

// sseHub fans coordinator events out to connected SSE clients.
type sseHub struct {
	mu      sync.RWMutex
	clients map[*sseClient]struct{}
	logger  *slog.Logger
}

func newSSEHub(logger *slog.Logger) *sseHub {
	return &sseHub{
		clients: make(map[*sseClient]struct{}),
		logger:  logger,
	}
}

// run bridges the coordinator event stream into the hub until ctx is
// cancelled or the stream closes.
func (h *sseHub) run(ctx context.Context, events <-chan coord.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

// broadcast sends an event to all connected clients.
func (h *sseHub) broadcast(ev coord.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("sse broadcast marshal", slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.ch <- data:
		default:
			// Drop event if client is slow — don't block
		}
	}
}

// handleSSE handles an SSE connection request. Auth is inline via the
// token query parameter (or a Bearer header) because EventSource cannot
// set request headers.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if _, err := verifyToken(s.jwtSecret(), token); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := &sseClient{ch: make(chan []byte, 64)}

	s.hub.mu.Lock()
	s.hub.clients[c] = struct{}{}
	s.hub.mu.Unlock()

	defer func() {
		s.hub.mu.Lock()
		delete(s.hub.clients, c)
		s.hub.mu.Unlock()
	}()

	// Send connected event
	fmt.Fprintf(w, "data: {\"channel\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-c.ch:
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
