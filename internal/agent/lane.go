// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// laneQueueSize bounds how many operations may wait on one session.
const laneQueueSize = 64

type laneWork struct {
	fn     func(context.Context) error
	ctx    context.Context
	result chan<- error
}

// Lane serialises all mutations of a single session. Work submitted via
// Submit runs one item at a time in FIFO order on a background goroutine;
// lanes for different sessions run independently.
type Lane struct {
	sessionID string
	logger    *slog.Logger
	queue     chan laneWork
	done      chan struct{}
	closing   chan struct{}

	once sync.Once
}

// NewLane creates a Lane for the session and starts its worker. Call Close
// when the session goes away.
func NewLane(sessionID string, logger *slog.Logger) *Lane {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lane{
		sessionID: sessionID,
		logger:    logger,
		queue:     make(chan laneWork, laneQueueSize),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case w := <-l.queue:
			l.execute(w)
		case <-l.closing:
			// Work accepted before Close still runs.
			for {
				select {
				case w := <-l.queue:
					l.execute(w)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) execute(w laneWork) {
	if err := w.ctx.Err(); err != nil {
		w.result <- err
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("lane worker panic recovered",
					"session_id", l.sessionID,
					"panic", r,
					"stack", string(debug.Stack()))
				err = neoerr.Errorf(neoerr.CodeAgentLoopFailure, "worker panic: %v", r)
			}
		}()
		err = w.fn(w.ctx)
	}()

	w.result <- err
}

func (l *Lane) closedErr() error {
	return neoerr.New(neoerr.CodeAgentSessionClosed, "session lane is closed", neoerr.FieldSessionID(l.sessionID))
}

// Submit runs fn on the lane and blocks until it completes. If ctx ends
// before fn starts, fn is skipped and ctx.Err() is returned.
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-l.closing:
		return l.closedErr()
	default:
	}

	result := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closing:
		return l.closedErr()
	case l.queue <- laneWork{fn: fn, ctx: ctx, result: result}:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// Close stops accepting work and waits for queued work to finish. It must
// not be called from work running on the same lane.
func (l *Lane) Close() {
	l.once.Do(func() {
		close(l.closing)
		<-l.done
	})
}

// LanePool hands out one Lane per session id, creating lanes on first use.
type LanePool struct {
	mu     sync.Mutex
	lanes  map[string]*Lane
	logger *slog.Logger
}

// NewLanePool returns an empty LanePool.
func NewLanePool(logger *slog.Logger) *LanePool {
	return &LanePool{lanes: make(map[string]*Lane), logger: logger}
}

// Get returns the session's lane.
func (p *LanePool) Get(sessionID string) *Lane {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.lanes[sessionID]; ok {
		return l
	}
	l := NewLane(sessionID, p.logger)
	p.lanes[sessionID] = l
	return l
}

// Remove closes and forgets the session's lane.
func (p *LanePool) Remove(sessionID string) {
	p.mu.Lock()
	l, ok := p.lanes[sessionID]
	delete(p.lanes, sessionID)
	p.mu.Unlock()

	if ok {
		l.Close()
	}
}

// Close shuts down every lane.
func (p *LanePool) Close() {
	p.mu.Lock()
	lanes := p.lanes
	p.lanes = make(map[string]*Lane)
	p.mu.Unlock()

	for _, l := range lanes {
		l.Close()
	}
}
