package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"bookchat/agent"
	"bookchat/conversation"
)

// CancelToken is sent in place of an empty or dismissed dialog result.
const CancelToken = "cancel"

// sendResult tells callers how a turn ended.
type sendResult struct {
	failed      bool
	rateLimited bool
	stale       bool
}

// Send submits a user message and consumes the agent's reply. Transport
// failures are reported in the transcript, not returned; the returned error
// only covers sends that could not start.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_, err := c.run(ctx, text)
	return err
}

// SubmitDialogResult answers the open dialog. An empty value is sent as the
// literal "cancel". An email result registers the user first and resumes a
// booking that was waiting on it.
func (c *Controller) SubmitDialogResult(ctx context.Context, value string) error {
	value = strings.TrimSpace(value)

	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	dialog := c.state.Selection.Dialog
	pending := c.state.PendingBooking
	gen := c.generation
	c.state.ClearSelection()
	c.state.Active = nil
	if value == "" {
		value = CancelToken
		c.state.PendingBooking = nil
	}
	c.mu.Unlock()
	c.notify()

	if dialog == conversation.DialogEmail && value != CancelToken {
		if err := c.identity.Register(ctx, value); err != nil {
			c.logger.Warn("email registration failed", zap.Error(err))
			if c.update(gen, func() {
				c.state.ReportError(invalidEmailText, c.now())
				c.state.Selection.Dialog = conversation.DialogEmail
			}) {
				c.notify()
			}
			return nil
		}

		if !c.update(gen, func() {
			c.state.Booking.Email = value
			c.state.PendingBooking = nil
		}) {
			return nil
		}

		if pending != nil {
			return c.SubmitBooking(ctx, pending.Args)
		}
	}

	_, err := c.run(ctx, value)
	return err
}

func (c *Controller) readyLocked() error {
	switch c.phase {
	case PhaseReady:
		return nil
	case PhaseErrored, PhaseUninitialized:
		return ErrNotReady
	default:
		return ErrBusy
	}
}

// run performs one user turn: it records the message, confirms the session
// if needed, sends, and reconciles every batch in arrival order. Booking
// effects raised by the reply run once the turn is over.
func (c *Controller) run(parent context.Context, text string) (sendResult, error) {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return sendResult{failed: true}, err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	gen := c.generation
	session := c.session
	needEnsure := !c.confirmed
	c.state.AppendUser(text, c.now())
	c.state.Loading = true
	c.phase = PhaseSending
	c.sendPhase = SendAwaitingResponse
	if needEnsure {
		c.sendPhase = SendAwaitingSession
	}
	c.cancelSend = cancel
	c.mu.Unlock()
	c.notify()

	if needEnsure {
		err := c.transport.EnsureSession(ctx, session)
		if !c.update(gen, func() {
			if err != nil {
				c.logger.Warn("session ensure failed before send, sending anyway",
					zap.String("session_id", session.SessionID),
					zap.Error(err))
			} else {
				c.confirmed = true
			}
			c.sendPhase = SendAwaitingResponse
		}) {
			return sendResult{stale: true}, nil
		}
		c.notify()
	}

	stream, err := c.transport.SendMessage(ctx, text, session, c.cfg.Streaming)
	if err != nil {
		return c.fail(gen, err), nil
	}

	if !c.update(gen, func() { c.stream = stream }) {
		stream.Cancel()
		return sendResult{stale: true}, nil
	}

	var (
		result  sendResult
		effects []conversation.Effect
	)
	for batch, err := range stream.Events() {
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				break
			}
			r := c.fail(gen, err)
			if r.stale {
				return r, nil
			}
			result = r
			break
		}

		var outcome conversation.Outcome
		if !c.update(gen, func() { outcome = c.reconciler.Apply(&c.state, batch) }) {
			stream.Cancel()
			return sendResult{stale: true}, nil
		}
		effects = append(effects, outcome.Effects...)
		c.notify()

		if outcome.RateLimited {
			c.logger.Warn("agent reported rate limiting", zap.String("session_id", session.SessionID))
			result.rateLimited = true
			stream.Cancel()
			break
		}
		if outcome.Failed {
			c.logger.Warn("agent reported an error",
				zap.String("session_id", session.SessionID),
				zap.String("code", batch.ErrorCode),
				zap.String("message", batch.ErrorMessage))
			result.failed = true
			stream.Cancel()
			break
		}
	}

	if !c.update(gen, func() {
		c.stream = nil
		c.cancelSend = nil
		c.phase = PhaseReady
		c.sendPhase = SendIdle
		c.state.Loading = false
		c.state.Log.CompleteStreaming()
	}) {
		return sendResult{stale: true}, nil
	}
	c.notify()

	if result.failed || result.rateLimited {
		return result, nil
	}
	for _, eff := range effects {
		if eff.Kind == conversation.EffectSubmitBooking {
			if err := c.SubmitBooking(parent, eff.Call.Args); err != nil {
				c.logger.Warn("booking submission could not start", zap.Error(err))
			}
		}
	}
	return result, nil
}

// fail reports a transport error to the user and returns the conversation
// to Ready so the message can be resent.
func (c *Controller) fail(gen uint64, err error) sendResult {
	c.logger.Error("agent request failed", zap.Error(err))

	if !c.update(gen, func() {
		c.stream = nil
		c.cancelSend = nil
		c.state.ReportError(userFacingError(err), c.now())
		c.state.Log.CompleteStreaming()
		c.phase = PhaseReady
		c.sendPhase = SendIdle
	}) {
		return sendResult{stale: true}
	}
	c.notify()
	return sendResult{failed: true}
}

func userFacingError(err error) string {
	var apiErr *agent.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests || conversation.IsRateLimitText(apiErr.Message) {
			return conversation.RateLimitMessage
		}
		if apiErr.Message != "" {
			return contactErrorText + " " + apiErr.Message
		}
	}
	return contactErrorText
}
