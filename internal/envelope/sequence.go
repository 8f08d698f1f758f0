// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package envelope

import (
	"sync"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Sequencer assigns strictly increasing per-session sequence numbers to
// outbound envelopes. The first number handed out for a session is 1.
type Sequencer struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{last: make(map[string]uint64)}
}

// Next returns the next sequence number for sessionID.
func (s *Sequencer) Next(sessionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[sessionID]++
	return s.last[sessionID]
}

// Stamp sets env.Seq from the envelope's session counter and returns it.
func (s *Sequencer) Stamp(env Envelope) Envelope {
	env.Seq = s.Next(env.SessionID)
	return env
}

// Forget drops the counter of a session that no longer exists.
func (s *Sequencer) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, sessionID)
}

// SeqTracker validates inbound sequence numbers per session so drops and
// reordering on the peer side are detected.
type SeqTracker struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSeqTracker returns an empty SeqTracker.
func NewSeqTracker() *SeqTracker {
	return &SeqTracker{last: make(map[string]uint64)}
}

// Observe records env's sequence number. It returns a protocol.sequence.gap
// error when numbers were skipped or went backwards. Envelopes with Seq 0
// are unsequenced and ignored.
func (t *SeqTracker) Observe(env Envelope) error {
	if env.Seq == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.last[env.SessionID]
	if env.Seq > prev {
		t.last[env.SessionID] = env.Seq
	}
	if env.Seq == prev+1 {
		return nil
	}
	return neoerr.New(neoerr.CodeProtocolSequenceGap, "unexpected sequence number",
		neoerr.FieldSessionID(env.SessionID),
		neoerr.Field("expected", prev+1),
		neoerr.Field("got", env.Seq),
	)
}
