package agent

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Stream is one in-flight send. Its events are consumed once through Events;
// Cancel abandons the send and releases the connection.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser

	payloads iter.Seq2[json.RawMessage, error]
	logger   *zap.Logger

	consumed  atomic.Bool
	closeOnce sync.Once
}

func newStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, payloads iter.Seq2[json.RawMessage, error], logger *zap.Logger) *Stream {
	return &Stream{
		ctx:      ctx,
		cancel:   cancel,
		body:     body,
		payloads: payloads,
		logger:   logger,
	}
}

// Events yields the batches of the response in arrival order. Once the stream
// is cancelled nothing further is yielded, not even the cancellation error.
func (s *Stream) Events() iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(Batch{}, ErrStreamConsumed)
			return
		}
		defer s.close()

		for payload, err := range s.payloads {
			if s.Cancelled() {
				return
			}
			if err != nil {
				yield(Batch{}, err)
				return
			}

			batch, err := ParseEvent(payload)
			if err != nil {
				s.logger.Warn("dropping undecodable agent event", zap.Error(err))
				continue
			}

			if s.Cancelled() {
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// Cancel stops the stream. Safe to call more than once and from any goroutine.
func (s *Stream) Cancel() {
	s.cancel()
	s.close()
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (s *Stream) Cancelled() bool {
	return s.ctx.Err() != nil
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		if s.body != nil {
			_ = s.body.Close()
		}
		s.cancel()
	})
}

// slicePayloads replays already-decoded payloads as a sequence.
func slicePayloads(payloads []json.RawMessage) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for _, p := range payloads {
			if !yield(p, nil) {
				return
			}
		}
	}
}
