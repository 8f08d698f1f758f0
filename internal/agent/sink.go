// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kernitus/neoai.nvim-sub001/internal/envelope"
)

// DeltaType identifies an incremental update.
type DeltaType string

const (
	DeltaTextDelta     DeltaType = envelope.ChunkTextDelta
	DeltaToolCallDelta DeltaType = envelope.ChunkToolCallDelta
	DeltaTiming        DeltaType = envelope.ChunkTiming
	DeltaState         DeltaType = envelope.ChunkState
)

// Delta is one incremental update for the capability host.
type Delta struct {
	Type DeltaType `json:"type"`
	// CorrelationID is the id of the chat request the delta belongs to.
	CorrelationID string        `json:"correlation_id,omitempty"`
	Text          string        `json:"text,omitempty"`
	CallID        string        `json:"call_id,omitempty"`
	ToolName      string        `json:"tool_name,omitempty"`
	State         LoopState     `json:"state,omitempty"`
	Elapsed       time.Duration `json:"elapsed,omitempty"`
}

// Delivery receives deltas from the sink's per-session workers. Deliver is
// never called concurrently for the same session.
type Delivery interface {
	Deliver(sessionID string, d Delta)
}

// DeliveryFunc adapts a function to Delivery.
type DeliveryFunc func(sessionID string, d Delta)

func (f DeliveryFunc) Deliver(sessionID string, d Delta) { f(sessionID, d) }

type sinkQueue struct {
	items []Delta
	idle  chan struct{}
}

// Sink decouples the agent loop from delivery. Emit appends to an unbounded
// per-session queue and returns; a worker per non-empty queue delivers in
// emission order.
type Sink struct {
	mu      sync.Mutex
	queues  map[string]*sinkQueue
	targets []Delivery
	logger  *slog.Logger
}

// NewSink creates a Sink delivering to targets.
func NewSink(logger *slog.Logger, targets ...Delivery) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		queues:  make(map[string]*sinkQueue),
		targets: targets,
		logger:  logger,
	}
}

// AddTarget adds a delivery target for subsequent deltas.
func (s *Sink) AddTarget(t Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
}

// Emit queues d for sessionID. It never blocks on delivery and never drops.
func (s *Sink) Emit(sessionID string, d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, running := s.queues[sessionID]
	if !running {
		q = &sinkQueue{idle: make(chan struct{})}
		s.queues[sessionID] = q
	}
	q.items = append(q.items, d)
	if !running {
		go s.deliver(sessionID, q)
	}
}

func (s *Sink) deliver(sessionID string, q *sinkQueue) {
	for {
		s.mu.Lock()
		if len(q.items) == 0 {
			delete(s.queues, sessionID)
			close(q.idle)
			s.mu.Unlock()
			return
		}
		batch := q.items
		q.items = nil
		targets := s.targets
		s.mu.Unlock()

		for _, d := range batch {
			for _, t := range targets {
				s.deliverOne(t, sessionID, d)
			}
		}
	}
}

func (s *Sink) deliverOne(t Delivery, sessionID string, d Delta) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sink delivery panic recovered",
				"session_id", sessionID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	t.Deliver(sessionID, d)
}

// Flush waits until every delta emitted for sessionID so far is delivered.
func (s *Sink) Flush(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	q, ok := s.queues[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-q.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChunkSender writes stream chunks to the capability host.
type ChunkSender interface {
	SendChunk(sessionID, correlationID string, chunk envelope.StreamChunk) error
}

// HostDelivery forwards deltas to the capability host as stream_chunk
// envelopes.
func HostDelivery(sender ChunkSender, logger *slog.Logger) Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return DeliveryFunc(func(sessionID string, d Delta) {
		chunk := envelope.StreamChunk{
			Type:      string(d.Type),
			Text:      d.Text,
			CallID:    d.CallID,
			ToolName:  d.ToolName,
			State:     string(d.State),
			ElapsedMS: d.Elapsed.Milliseconds(),
		}
		if err := sender.SendChunk(sessionID, d.CorrelationID, chunk); err != nil {
			logger.Debug("dropping stream chunk for detached host", "session_id", sessionID, "error", err)
		}
	})
}
