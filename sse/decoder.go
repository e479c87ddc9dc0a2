// Package sse decodes the "data: <json>" line protocol the agent server streams
// back from /run_sse.
//
// The same line routine serves both a chunked response body (Decoder.Feed as
// bytes arrive) and a fully buffered one (DecodeAll), so a streamed and a
// non-streamed reply produce identical event sequences.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// DataPrefix marks an event line. Anything else on the wire is ignored.
const DataPrefix = "data: "

// readChunkSize is how much of the response body is pulled per read.
const readChunkSize = 4096

// MalformedFunc receives lines whose payload is not valid JSON. The line is
// dropped and decoding continues.
type MalformedFunc func(line string, err error)

// Decoder splits incoming chunks into lines and decodes event payloads.
// A Decoder is not safe for concurrent use; create one per response.
type Decoder struct {
	buf         []byte
	onMalformed MalformedFunc
}

func NewDecoder(onMalformed MalformedFunc) *Decoder {
	return &Decoder{onMalformed: onMalformed}
}

// Feed appends chunk to the pending buffer and returns the payloads of every
// line completed by it. A partial trailing line is kept for the next call.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	d.buf = append(d.buf, chunk...)

	var out []json.RawMessage
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		if payload, ok := d.decodeLine(line); ok {
			out = append(out, payload)
		}
		d.buf = d.buf[idx+1:]
	}

	// Reclaim the consumed prefix so long streams don't pin old chunks
	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}

	return out
}

// Flush decodes whatever unterminated line remains at end of stream.
func (d *Decoder) Flush() []json.RawMessage {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if payload, ok := d.decodeLine(line); ok {
		return []json.RawMessage{payload}
	}
	return nil
}

// buffered reports how many bytes are waiting for a line terminator.
func (d *Decoder) buffered() int {
	return len(d.buf)
}

func (d *Decoder) decodeLine(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return nil, false
	}

	payload := bytes.TrimSpace(line[len(DataPrefix):])
	if !json.Valid(payload) {
		if d.onMalformed != nil {
			d.onMalformed(string(line), fmt.Errorf("invalid JSON in event line (%d bytes)", len(payload)))
		}
		return nil, false
	}

	// Copy: the caller may hold on to the payload after buf is reused
	return json.RawMessage(append([]byte(nil), payload...)), true
}

// DecodeAll decodes a complete, non-streamed body in one shot.
func DecodeAll(body []byte, onMalformed MalformedFunc) []json.RawMessage {
	d := NewDecoder(onMalformed)
	out := d.Feed(body)
	return append(out, d.Flush()...)
}

// Stream lazily decodes r. Each call to the returned sequence reads from r,
// so it must be ranged over exactly once. The sequence ends at EOF without a
// sentinel; read failures and context cancellation are yielded as a final
// error.
func Stream(ctx context.Context, r io.Reader, onMalformed MalformedFunc) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		d := NewDecoder(onMalformed)
		chunk := make([]byte, readChunkSize)

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			n, err := r.Read(chunk)
			if n > 0 {
				for _, payload := range d.Feed(chunk[:n]) {
					if !yield(payload, nil) {
						return
					}
				}
			}

			if err != nil {
				if !errors.Is(err, io.EOF) {
					// A cancelled request surfaces as a read error on the body
					if ctxErr := ctx.Err(); ctxErr != nil {
						err = ctxErr
					}
					yield(nil, fmt.Errorf("reading event stream: %w", err))
					return
				}
				for _, payload := range d.Flush() {
					if !yield(payload, nil) {
						return
					}
				}
				return
			}
		}
	}
}
