// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package envelope_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kernitus/neoai.nvim-sub001/internal/envelope"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEnvelope(t *testing.T, kind envelope.Kind, payload any) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(kind, "sess-1", "corr-1", payload)
	require.NoError(t, err)
	env.Seq = 7
	return env
}

func allKinds(t *testing.T) []envelope.Envelope {
	t.Helper()
	return []envelope.Envelope{
		mustEnvelope(t, envelope.KindRequest, envelope.Request{
			Method: envelope.MethodChat,
			Params: json.RawMessage(`{"text":"rename foo to bar"}`),
		}),
		mustEnvelope(t, envelope.KindToolCallRequest, envelope.ToolCallRequest{
			CallID: "call-1", Name: "edit", Arguments: json.RawMessage(`{"file_path":"x.go"}`),
		}),
		mustEnvelope(t, envelope.KindToolCallResult, envelope.ToolCallResult{
			CallID: "call-1", OK: true, Output: json.RawMessage(`"ok <&>"`),
		}),
		mustEnvelope(t, envelope.KindStreamChunk, envelope.StreamChunk{Type: envelope.ChunkTextDelta, Text: "hel"}),
		mustEnvelope(t, envelope.KindError, envelope.ErrorPayload{Code: "agent.loop.cancelled", Message: "cancelled"}),
		mustEnvelope(t, envelope.KindDone, envelope.Done{}),
		mustEnvelope(t, envelope.KindNotification, envelope.Notification{Event: envelope.EventFileDeleted, Path: "x.go"}),
	}
}

func TestRoundTripEveryKind(t *testing.T) {
	for _, env := range allKinds(t) {
		t.Run(string(env.Kind), func(t *testing.T) {
			frame, err := envelope.Marshal(env)
			require.NoError(t, err)
			assert.True(t, bytes.HasSuffix(frame, []byte("\n")))

			decoded, err := envelope.Unmarshal(frame)
			require.NoError(t, err)
			assert.Equal(t, env, decoded)

			again, err := envelope.Marshal(decoded)
			require.NoError(t, err)
			assert.Equal(t, frame, again)
		})
	}
}

func TestRoundTripPayloadSizeBounds(t *testing.T) {
	t.Run("empty payload", func(t *testing.T) {
		env := envelope.Envelope{Kind: envelope.KindDone, CorrelationID: "c"}
		frame, err := envelope.Marshal(env)
		require.NoError(t, err)
		decoded, err := envelope.Unmarshal(frame)
		require.NoError(t, err)
		assert.Equal(t, env, decoded)
		assert.Empty(t, decoded.Payload)
	})

	t.Run("maximum payload", func(t *testing.T) {
		payload := `"` + strings.Repeat("a", envelope.MaxPayloadSize-2) + `"`
		env := envelope.Envelope{Kind: envelope.KindToolCallResult, SessionID: "s", CorrelationID: "c", Seq: 1,
			Payload: json.RawMessage(payload)}
		frame, err := envelope.Marshal(env)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(frame), envelope.MaxFrameSize)

		decoded, err := envelope.Unmarshal(frame)
		require.NoError(t, err)
		assert.Equal(t, env, decoded)
	})

	t.Run("oversized payload rejected", func(t *testing.T) {
		payload := `"` + strings.Repeat("a", envelope.MaxPayloadSize-1) + `"`
		_, err := envelope.Marshal(envelope.Envelope{Kind: envelope.KindDone, Payload: json.RawMessage(payload)})
		require.Error(t, err)
		assert.True(t, neoerr.HasCode(err, neoerr.CodeProtocolEncodeFrameTooLarge))
	})
}

func TestDecoderPreservesOrder(t *testing.T) {
	envs := allKinds(t)
	var stream bytes.Buffer
	for _, env := range envs {
		frame, err := envelope.Marshal(env)
		require.NoError(t, err)
		stream.Write(frame)
	}

	var dec envelope.Decoder
	raw := stream.Bytes()
	var got []envelope.Envelope
	// Feed three bytes at a time to exercise partial reads.
	for i := 0; i < len(raw); i += 3 {
		end := min(i+3, len(raw))
		dec.Feed(raw[i:end])
		for {
			env, err := dec.Next()
			if errors.Is(err, envelope.ErrIncomplete) {
				break
			}
			require.NoError(t, err)
			got = append(got, env)
		}
	}
	assert.Equal(t, envs, got)
	assert.Zero(t, dec.Buffered())
}

func TestDecoderIncompleteThenComplete(t *testing.T) {
	frame, err := envelope.Marshal(mustEnvelope(t, envelope.KindDone, envelope.Done{}))
	require.NoError(t, err)

	var dec envelope.Decoder
	dec.Feed(frame[:len(frame)/2])
	_, err = dec.Next()
	require.ErrorIs(t, err, envelope.ErrIncomplete)
	assert.True(t, neoerr.HasCode(err, neoerr.CodeProtocolDecodeIncomplete))

	dec.Feed(frame[len(frame)/2:])
	env, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, envelope.KindDone, env.Kind)
}

func TestDecoderUnknownKindDoesNotBreakStream(t *testing.T) {
	good, err := envelope.Marshal(mustEnvelope(t, envelope.KindDone, envelope.Done{}))
	require.NoError(t, err)

	var dec envelope.Decoder
	dec.Feed([]byte(`{"kind":"telepathy","correlation_id":"x","seq":1}` + "\n"))
	dec.Feed([]byte("{not json\n"))
	dec.Feed(good)

	_, err = dec.Next()
	require.Error(t, err)
	assert.True(t, neoerr.HasCode(err, neoerr.CodeProtocolDecodeUnknownKind))

	_, err = dec.Next()
	require.Error(t, err)
	assert.True(t, neoerr.HasCode(err, neoerr.CodeProtocolDecodeMalformed))

	env, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, envelope.KindDone, env.Kind)
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	good, err := envelope.Marshal(mustEnvelope(t, envelope.KindDone, envelope.Done{}))
	require.NoError(t, err)

	var dec envelope.Decoder
	dec.Feed([]byte("\n\r\n"))
	dec.Feed(good)
	env, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, envelope.KindDone, env.Kind)
}

func TestReaderReportsTruncatedStream(t *testing.T) {
	good, err := envelope.Marshal(mustEnvelope(t, envelope.KindDone, envelope.Done{}))
	require.NoError(t, err)
	stream := append(append([]byte{}, good...), []byte(`{"kind":"do`)...)

	r := envelope.NewReader(bytes.NewReader(stream))
	env, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, envelope.KindDone, env.Kind)

	_, err = r.Read()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriterFramesOneEnvelopePerLine(t *testing.T) {
	var buf bytes.Buffer
	w := envelope.NewWriter(&buf)
	for _, env := range allKinds(t) {
		require.NoError(t, w.Write(env))
	}
	assert.Equal(t, len(allKinds(t)), bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestMarshalRejectsUnknownKind(t *testing.T) {
	_, err := envelope.Marshal(envelope.Envelope{Kind: "bogus"})
	require.Error(t, err)
	assert.True(t, neoerr.HasCode(err, neoerr.CodeProtocolDecodeUnknownKind))
}

func TestDecodePayload(t *testing.T) {
	env := mustEnvelope(t, envelope.KindToolCallRequest, envelope.ToolCallRequest{CallID: "c", Name: "grep",
		Arguments: json.RawMessage(`{}`)})
	var req envelope.ToolCallRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, "grep", req.Name)

	err := envelope.Envelope{Kind: envelope.KindDone}.Decode(&req)
	assert.True(t, neoerr.HasCode(err, neoerr.CodeProtocolPayloadInvalid))
}

func TestSequencerAndTracker(t *testing.T) {
	seq := envelope.NewSequencer()
	assert.Equal(t, uint64(1), seq.Next("a"))
	assert.Equal(t, uint64(2), seq.Next("a"))
	assert.Equal(t, uint64(1), seq.Next("b"))

	tr := envelope.NewSeqTracker()
	require.NoError(t, tr.Observe(envelope.Envelope{SessionID: "a", Seq: 1}))
	require.NoError(t, tr.Observe(envelope.Envelope{SessionID: "a", Seq: 2}))
	require.NoError(t, tr.Observe(envelope.Envelope{SessionID: "b", Seq: 1}))
	require.NoError(t, tr.Observe(envelope.Envelope{SessionID: "a"}), "unsequenced envelopes are ignored")

	err := tr.Observe(envelope.Envelope{SessionID: "a", Seq: 4})
	assert.True(t, neoerr.HasCode(err, neoerr.CodeProtocolSequenceGap))

	err = tr.Observe(envelope.Envelope{SessionID: "a", Seq: 3})
	assert.True(t, neoerr.HasCode(err, neoerr.CodeProtocolSequenceGap), "reordered envelope is reported")

	require.NoError(t, tr.Observe(envelope.Envelope{SessionID: "a", Seq: 5}))

	stamped := seq.Stamp(envelope.Envelope{SessionID: "a"})
	assert.Equal(t, uint64(3), stamped.Seq)
	seq.Forget("a")
	assert.Equal(t, uint64(1), seq.Next("a"))
}
