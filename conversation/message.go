// Package conversation holds the transcript model and the reconciler that
// folds decoded agent events into it.
package conversation

import (
	"slices"
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// FunctionCall is a tool invocation detected in the agent's output. Args is
// the normalized argument value (see NormalizeArguments).
type FunctionCall struct {
	Name string
	Kind FunctionKind
	Args any
}

// FunctionResponse is a tool result. Payload is passed through untouched.
type FunctionResponse struct {
	Name    string
	Kind    FunctionKind
	Payload any
}

// Message is one turn in the transcript. Streaming and Completed are never
// both true; a function-call message is neither until its response arrives.
type Message struct {
	Role             Role
	Text             string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
	Timestamp        time.Time
	Streaming        bool
	Completed        bool
}

// IsPlainAgentText reports whether m is an agent turn carrying only text.
func (m *Message) IsPlainAgentText() bool {
	return m.Role == RoleAgent && m.FunctionCall == nil && m.FunctionResponse == nil
}

func (m *Message) complete() {
	m.Streaming = false
	m.Completed = true
}

// Log is the ordered transcript. It keeps timestamps non-decreasing and at
// most one message streaming at a time.
type Log struct {
	messages []Message
}

// Append adds m and returns its index. A timestamp older than the previous
// message is raised to match it; a streaming message closes any other open one.
func (l *Log) Append(m Message) int {
	if n := len(l.messages); n > 0 {
		if last := l.messages[n-1].Timestamp; m.Timestamp.Before(last) {
			m.Timestamp = last
		}
	}
	if m.Streaming {
		m.Completed = false
		l.CompleteStreaming()
	}
	l.messages = append(l.messages, m)
	return len(l.messages) - 1
}

func (l *Log) Len() int {
	return len(l.messages)
}

// At returns the message at i for in-place updates. The pointer is only
// valid until the next Append.
func (l *Log) At(i int) *Message {
	return &l.messages[i]
}

func (l *Log) Last() *Message {
	if len(l.messages) == 0 {
		return nil
	}
	return &l.messages[len(l.messages)-1]
}

// Messages returns a copy of the transcript.
func (l *Log) Messages() []Message {
	return slices.Clone(l.messages)
}

// CompleteStreaming finalizes every message still marked streaming and
// reports how many were changed.
func (l *Log) CompleteStreaming() int {
	n := 0
	for i := range l.messages {
		if l.messages[i].Streaming {
			l.messages[i].complete()
			n++
		}
	}
	return n
}

// completePendingCalls closes function-call messages that never received a
// response, e.g. client-side questions answered by the user.
func (l *Log) completePendingCalls() {
	for i := range l.messages {
		m := &l.messages[i]
		if m.FunctionCall != nil && !m.Completed {
			m.complete()
		}
	}
}

// findPendingCall searches backwards for an uncompleted call named name.
func (l *Log) findPendingCall(name string) int {
	for i := len(l.messages) - 1; i >= 0; i-- {
		m := &l.messages[i]
		if m.FunctionCall != nil && !m.Completed && m.FunctionCall.Name == name {
			return i
		}
	}
	return -1
}

func (l *Log) hasSystemText(text string) bool {
	return slices.ContainsFunc(l.messages, func(m Message) bool {
		return m.Role == RoleSystem && m.Text == text
	})
}

func (l *Log) Reset() {
	l.messages = nil
}
