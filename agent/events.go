package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StreamEvent is one typed item decoded from an agent event. The concrete
// types are TextDelta, FunctionCallEvent and FunctionResponseEvent.
type StreamEvent interface {
	streamEvent()
}

// TextDelta carries the full text accumulated so far for a model turn.
// Partial is true while more deltas for the same turn will follow.
type TextDelta struct {
	Text    string
	Partial bool
}

// FunctionCallEvent is a tool invocation emitted by the agent. RawArguments
// is either the decoded JSON value or, when the server sent the arguments as
// an encoded string, that string.
type FunctionCallEvent struct {
	ID           string
	Name         string
	RawArguments any
}

// FunctionResponseEvent is the result of a tool invocation.
type FunctionResponseEvent struct {
	ID       string
	Name     string
	Response any
}

func (TextDelta) streamEvent()             {}
func (FunctionCallEvent) streamEvent()     {}
func (FunctionResponseEvent) streamEvent() {}

// Batch holds the events decoded from a single wire event, in part order.
type Batch struct {
	Events       []StreamEvent
	Partial      bool
	Author       string
	ErrorCode    string
	ErrorMessage string
}

// Final reports whether the batch closes a model turn.
func (b Batch) Final() bool {
	return !b.Partial
}

// ParseEvent converts one decoded "data:" payload into a Batch.
func ParseEvent(raw json.RawMessage) (Batch, error) {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Batch{}, fmt.Errorf("decoding agent event: %w", err)
	}

	batch := Batch{
		Partial:      ev.Partial,
		Author:       ev.Author,
		ErrorCode:    firstNonEmpty(ev.ErrorCode, ev.ErrorCodeSnake),
		ErrorMessage: firstNonEmpty(ev.ErrorMessage, ev.ErrorMessageSnake, detailMessage(ev.Error)),
	}

	if ev.Content == nil {
		return batch, nil
	}

	for _, part := range ev.Content.Parts {
		if part.Text != "" {
			batch.Events = append(batch.Events, TextDelta{Text: part.Text, Partial: ev.Partial})
		}

		call := part.FunctionCall
		if call == nil {
			call = part.FunctionCallSnake
		}
		if call != nil {
			batch.Events = append(batch.Events, FunctionCallEvent{
				ID:           call.ID,
				Name:         call.Name,
				RawArguments: decodeLoose(call.Args),
			})
		}

		resp := part.FunctionResponse
		if resp == nil {
			resp = part.FunctionResponseSnake
		}
		if resp != nil {
			batch.Events = append(batch.Events, FunctionResponseEvent{
				ID:       resp.ID,
				Name:     resp.Name,
				Response: decodeLoose(resp.Response),
			})
		}
	}

	return batch, nil
}

// decodeLoose turns a raw JSON value into Go values, keeping the raw text if
// it cannot be decoded. Absent values become nil.
func decodeLoose(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(trimmed)
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
