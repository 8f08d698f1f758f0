// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/kernitus/neoai.nvim-sub001/internal/agent"
)

// subscriberBuffer bounds how far an events client may fall behind before
// deltas are dropped for it.
const subscriberBuffer = 256

// Broadcaster fans streaming deltas out to HTTP event subscribers. It is an
// agent.Delivery target. Delivery never blocks: a subscriber whose buffer
// is full misses deltas, which are counted and logged. The host connection
// is the lossless consumer; event streams are for inspection.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

type subscriber struct {
	ch      chan agent.Delta
	dropped atomic.Int64
}

var _ agent.Delivery = (*Broadcaster)(nil)

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{subs: make(map[string]map[*subscriber]struct{}), logger: logger}
}

// Subscribe registers for the deltas of one session. The returned cancel
// function must be called to release the subscription.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan agent.Delta, func()) {
	sub := &subscriber{ch: make(chan agent.Delta, subscriberBuffer)}

	b.mu.Lock()
	set := b.subs[sessionID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], sub)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			if n := sub.dropped.Load(); n > 0 {
				b.logger.Warn("event subscriber fell behind", "session_id", sessionID, "dropped", n)
			}
		})
	}
}

// Subscribers returns the number of subscriptions for a session.
func (b *Broadcaster) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Deliver implements agent.Delivery.
func (b *Broadcaster) Deliver(sessionID string, d agent.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[sessionID] {
		select {
		case sub.ch <- d:
		default:
			sub.dropped.Add(1)
		}
	}
}

// eventPayload is the JSON data line of one event.
type eventPayload struct {
	agent.Delta
	ElapsedMS int64 `json:"elapsed_ms,omitempty"`
}

func (s *Server) registerEventsRoute() {
	s.router.Get("/api/v1/sessions/{id}/events", s.handleEvents)

	// The stream needs the raw ResponseWriter, so the route is served by chi
	// and only documented through huma.
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "session-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}/events",
		Summary:     "Stream a session's turn events",
		Description: "Server-sent events, one per streaming delta: text_delta, tool_call_delta, timing and state. A comment line is sent every 15 seconds to keep proxies from closing the stream.",
		Tags:        []string{"turns"},
		Parameters: []*huma.Param{{
			Name:     "id",
			In:       "path",
			Required: true,
			Schema:   &huma.Schema{Type: "string"},
		}},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Event stream",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {Schema: &huma.Schema{Type: "string"}},
				},
			},
			"404": {Description: "Unknown session"},
			"503": {Description: "Event streaming not configured"},
		},
	})
}

// keepAliveInterval is a variable so tests can shorten it.
var keepAliveInterval = 15 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.svc.Events == nil {
		writeProblem(w, http.StatusServiceUnavailable, "event streaming not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Sessions.Summary(r.Context(), id); err != nil {
		writeProblem(w, s.problem("loading session", err))
		return
	}

	events, cancel := s.svc.Events.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	var seq int64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flush()
		case d := <-events:
			seq++
			data, err := json.Marshal(eventPayload{Delta: d, ElapsedMS: d.Elapsed.Milliseconds()})
			if err != nil {
				s.logger.Warn("encoding event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, d.Type, data); err != nil {
				return
			}
			flush()
		}
	}
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
