// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package envelope

import (
	"bytes"
	"errors"
	"io"
	"sync"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// ErrIncomplete is returned by Decoder.Next when the buffered bytes do not yet
// hold a complete frame. Feed more bytes and call Next again.
var ErrIncomplete = neoerr.New(neoerr.CodeProtocolDecodeIncomplete, "incomplete frame")

// Decoder reassembles frames from arbitrarily split byte chunks. It is not
// safe for concurrent use.
type Decoder struct {
	buf []byte
	// discarding is set after an oversized partial frame was dropped; bytes
	// are skipped up to the next newline.
	discarding bool
}

// Feed appends raw bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held for an unfinished frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete envelope. A malformed frame or a frame with
// an unknown kind is consumed and reported as a protocol error; the next call
// continues with the following frame.
func (d *Decoder) Next() (Envelope, error) {
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			if len(d.buf) > MaxFrameSize {
				size := len(d.buf)
				d.buf = d.buf[:0]
				d.discarding = true
				return Envelope{}, neoerr.New(neoerr.CodeProtocolEncodeFrameTooLarge,
					"frame exceeds maximum size", neoerr.Field("size", size))
			}
			return Envelope{}, ErrIncomplete
		}

		line := d.buf[:idx]
		skip := d.discarding
		d.discarding = false

		if skip || len(bytes.TrimSpace(line)) == 0 {
			d.consume(idx + 1)
			continue
		}

		env, err := Unmarshal(line)
		d.consume(idx + 1)
		return env, err
	}
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// Reader pulls envelopes from a byte stream.
type Reader struct {
	r       io.Reader
	dec     Decoder
	chunk   []byte
	readErr error
}

// NewReader returns a Reader decoding frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: make([]byte, 64<<10)}
}

// Read blocks until a complete envelope is available. Protocol errors are
// returned for single bad frames and the Reader stays usable; any other
// error (including io.EOF) is terminal.
func (r *Reader) Read() (Envelope, error) {
	for {
		env, err := r.dec.Next()
		if err == nil || !errors.Is(err, ErrIncomplete) {
			return env, err
		}

		if r.readErr != nil {
			if errors.Is(r.readErr, io.EOF) && r.dec.Buffered() > 0 {
				r.dec.buf = r.dec.buf[:0]
				return Envelope{}, neoerr.Wrap(io.ErrUnexpectedEOF, neoerr.CodeProtocolDecodeIncomplete,
					"stream ended inside a frame")
			}
			return Envelope{}, r.readErr
		}

		n, rerr := r.r.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
		}
		if rerr != nil {
			r.readErr = rerr
		}
	}
}

// Writer serialises envelopes onto a byte stream. It is safe for concurrent
// use; frames are never interleaved.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer framing envelopes onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes a single frame.
func (w *Writer) Write(env Envelope) error {
	frame, err := Marshal(env)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return neoerr.Wrapf(err, neoerr.CodeHostWriteFailure, "writing %s envelope", env.Kind)
	}
	return nil
}
