// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

// Package envelope implements the framed wire protocol spoken between the
// orchestrator and the capability host. Each frame is one JSON object
// terminated by a newline.
package envelope

import (
	"bytes"
	"encoding/json"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	KindRequest         Kind = "request"
	KindToolCallRequest Kind = "tool_call_request"
	KindToolCallResult  Kind = "tool_call_result"
	KindStreamChunk     Kind = "stream_chunk"
	KindError           Kind = "error"
	KindDone            Kind = "done"

	// KindNotification carries unsolicited host events. It is never answered.
	KindNotification Kind = "notification"
)

// Valid reports whether k is a kind this protocol version understands.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindToolCallRequest, KindToolCallResult, KindStreamChunk,
		KindError, KindDone, KindNotification:
		return true
	default:
		return false
	}
}

// ExpectsReply reports whether an envelope of this kind must be answered by
// exactly one envelope carrying the same correlation id.
func (k Kind) ExpectsReply() bool {
	return k == KindRequest || k == KindToolCallRequest
}

const (
	// MaxFrameSize bounds a single encoded frame, newline included.
	MaxFrameSize = 8 << 20
	// MaxPayloadSize is the largest payload accepted by Encode. The
	// difference to MaxFrameSize is reserved for the envelope header.
	MaxPayloadSize = MaxFrameSize - 4096
)

// Envelope is the unit exchanged between the two processes. It is never
// persisted.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	SessionID     string          `json:"session_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Seq           uint64          `json:"seq"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope, marshalling payload into its raw form. A nil
// payload produces an envelope without a payload field.
func New(kind Kind, sessionID, correlationID string, payload any) (Envelope, error) {
	env := Envelope{Kind: kind, SessionID: sessionID, CorrelationID: correlationID}
	if payload == nil {
		return env, nil
	}
	raw, err := marshalJSON(payload)
	if err != nil {
		return Envelope{}, neoerr.Wrapf(err, neoerr.CodeProtocolPayloadInvalid, "marshalling %s payload", kind)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return neoerr.New(neoerr.CodeProtocolPayloadInvalid, "envelope has no payload",
			neoerr.Field("kind", string(e.Kind)),
			neoerr.FieldCorrelationID(e.CorrelationID),
		)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return neoerr.Wrap(err, neoerr.CodeProtocolPayloadInvalid, "decoding payload",
			neoerr.Field("kind", string(e.Kind)),
			neoerr.FieldCorrelationID(e.CorrelationID),
		)
	}
	return nil
}

// Marshal encodes env as a single frame, trailing newline included.
func Marshal(env Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, neoerr.New(neoerr.CodeProtocolDecodeUnknownKind, "unknown envelope kind",
			neoerr.Field("kind", string(env.Kind)))
	}
	if len(env.Payload) > MaxPayloadSize {
		return nil, neoerr.New(neoerr.CodeProtocolEncodeFrameTooLarge, "payload exceeds maximum size",
			neoerr.Field("size", len(env.Payload)),
			neoerr.Field("max", MaxPayloadSize),
		)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeProtocolPayloadInvalid, "encoding %s envelope", env.Kind)
	}
	if buf.Len() > MaxFrameSize {
		return nil, neoerr.New(neoerr.CodeProtocolEncodeFrameTooLarge, "frame exceeds maximum size",
			neoerr.Field("size", buf.Len()))
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a single frame. Surrounding whitespace, including the
// terminating newline, is ignored.
func Unmarshal(frame []byte) (Envelope, error) {
	frame = bytes.TrimSpace(frame)
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, neoerr.Wrap(err, neoerr.CodeProtocolDecodeMalformed, "malformed envelope",
			neoerr.Field("frame", snippet(frame)))
	}
	if !env.Kind.Valid() {
		return Envelope{}, neoerr.New(neoerr.CodeProtocolDecodeUnknownKind, "unknown envelope kind",
			neoerr.Field("kind", string(env.Kind)),
			neoerr.FieldCorrelationID(env.CorrelationID),
		)
	}
	return env, nil
}

func marshalJSON(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func snippet(b []byte) string {
	const max = 120
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
