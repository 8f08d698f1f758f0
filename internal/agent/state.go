// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"sync"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// LoopState is the per-session agent loop state.
type LoopState string

const (
	StateIdle                LoopState = "idle"
	StateAwaitingModel       LoopState = "awaiting_model"
	StateStreaming           LoopState = "streaming"
	StateDispatchingTools    LoopState = "dispatching_tools"
	StateAwaitingToolResults LoopState = "awaiting_tool_results"
	StateDone                LoopState = "done"
	StateErrored             LoopState = "errored"
)

// Terminal reports whether s ends a user turn.
func (s LoopState) Terminal() bool {
	return s == StateDone || s == StateErrored
}

var transitions = map[LoopState][]LoopState{
	StateIdle:                {StateAwaitingModel},
	StateAwaitingModel:       {StateStreaming, StateDispatchingTools, StateDone, StateErrored},
	StateStreaming:           {StateDone, StateDispatchingTools, StateErrored},
	StateDispatchingTools:    {StateAwaitingToolResults, StateErrored},
	StateAwaitingToolResults: {StateAwaitingModel, StateErrored},
	StateDone:                {StateIdle},
	StateErrored:             {StateIdle},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to LoopState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies why a turn ended in StateErrored.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindLoopLimitExceeded ErrorKind = "loop_limit_exceeded"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindModelTransport    ErrorKind = "model_transport_error"
	ErrorKindStorage           ErrorKind = "storage_error"
	ErrorKindInternal          ErrorKind = "internal_error"
)

// Code maps the kind onto the error code surfaced to the host.
func (k ErrorKind) Code() neoerr.Code {
	switch k {
	case ErrorKindLoopLimitExceeded:
		return neoerr.CodeAgentLoopLimitExceeded
	case ErrorKindCancelled:
		return neoerr.CodeAgentLoopCancelled
	case ErrorKindModelTransport:
		return neoerr.CodeProviderUpstreamFailure
	case ErrorKindStorage:
		return neoerr.CodeStoreDatabaseFailure
	default:
		return neoerr.CodeAgentLoopFailure
	}
}

// stateMachine validates transitions and reports each one to onChange.
type stateMachine struct {
	mu       sync.Mutex
	state    LoopState
	onChange func(from, to LoopState)
}

func newStateMachine(onChange func(from, to LoopState)) *stateMachine {
	return &stateMachine{state: StateIdle, onChange: onChange}
}

func (m *stateMachine) State() LoopState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) Transition(to LoopState) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return neoerr.Errorf(neoerr.CodeAgentLoopTransitionInvalid, "invalid loop transition %s -> %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}
