package repl

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookchat/chat"
	"bookchat/conversation"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// scriptedController answers each Send with the next queued reply.
type scriptedController struct {
	snap     chat.Snapshot
	replies  []func(*chat.Snapshot)
	sent     []string
	results  []string
	newChats int
	sendErr  error
}

func greeting() []conversation.Message {
	return []conversation.Message{{Role: conversation.RoleSystem, Text: "Welcome! Start chatting with Bookings.", Timestamp: now, Completed: true}}
}

func (c *scriptedController) Start(ctx context.Context) error {
	c.snap = chat.Snapshot{Phase: chat.PhaseReady, Messages: greeting()}
	return nil
}

func (c *scriptedController) turn(text string) {
	c.snap.Messages = append(c.snap.Messages, conversation.Message{Role: conversation.RoleUser, Text: text, Timestamp: now, Completed: true})
	c.snap.Selection = conversation.Selection{}
	if len(c.replies) > 0 {
		c.replies[0](&c.snap)
		c.replies = c.replies[1:]
	}
}

func (c *scriptedController) Send(ctx context.Context, text string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	c.turn(text)
	return nil
}

func (c *scriptedController) SubmitDialogResult(ctx context.Context, value string) error {
	if value == "" {
		value = chat.CancelToken
	}
	c.results = append(c.results, value)
	c.turn(value)
	return nil
}

func (c *scriptedController) NewChat(ctx context.Context) error {
	c.newChats++
	c.snap = chat.Snapshot{Phase: chat.PhaseReady, Messages: greeting()}
	return nil
}

func (c *scriptedController) Snapshot() chat.Snapshot {
	return c.snap
}

func agentSays(text string) func(*chat.Snapshot) {
	return func(s *chat.Snapshot) {
		s.Messages = append(s.Messages, conversation.Message{Role: conversation.RoleAgent, Text: text, Timestamp: now, Completed: true})
	}
}

func run(t *testing.T, ctrl *scriptedController, input string) string {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var out bytes.Buffer
	require.NoError(t, New(ctrl, strings.NewReader(input), &out, "Bookings").Run(context.Background()))
	return out.String()
}

func TestPlainConversation(t *testing.T) {
	ctrl := &scriptedController{replies: []func(*chat.Snapshot){agentSays("Hi! How can I help?")}}

	out := run(t, ctrl, "hello\n\n/quit\nignored\n")

	assert.Equal(t, []string{"hello"}, ctrl.sent)
	assert.Contains(t, out, "Welcome! Start chatting with Bookings.")
	assert.Contains(t, out, "Bookings: Hi! How can I help?")
	assert.Equal(t, 1, strings.Count(out, "Welcome!"), "messages are printed once")
}

func TestDialogChoiceByNumber(t *testing.T) {
	ctrl := &scriptedController{replies: []func(*chat.Snapshot){
		func(s *chat.Snapshot) {
			s.Messages = append(s.Messages, conversation.Message{
				Role: conversation.RoleAgent, Text: "Checking available dates…", Timestamp: now,
				FunctionCall: &conversation.FunctionCall{Name: "get_available_dates", Kind: conversation.KindAvailableDates},
			})
			s.Selection = conversation.Selection{
				Dialog:         conversation.DialogDatePicker,
				AvailableDates: []string{"2025-03-04", "2025-03-05"},
			}
		},
		agentSays("Great, March 5 it is."),
	}}

	out := run(t, ctrl, "book me in\n2\n")

	assert.Contains(t, out, "[Checking available dates…]")
	assert.Contains(t, out, "1) Tuesday, March 4 2025")
	assert.Contains(t, out, "2) Wednesday, March 5 2025")
	assert.Equal(t, []string{"2025-03-05"}, ctrl.results)
	assert.Contains(t, out, "Great, March 5 it is.")
}

func TestDialogFreeTextAndCancel(t *testing.T) {
	qualifier := func(s *chat.Snapshot) {
		s.Selection = conversation.Selection{
			Dialog:   conversation.DialogQualifier,
			Question: "Which service?",
			Options:  []string{"Haircut"},
		}
	}
	ctrl := &scriptedController{replies: []func(*chat.Snapshot){qualifier, qualifier, agentSays("ok")}}

	out := run(t, ctrl, "hi\nbeard trim\n\n")

	assert.Contains(t, out, "Which service?")
	assert.Contains(t, out, "1) Haircut")
	assert.Contains(t, out, "or type your own answer")
	assert.Equal(t, []string{"beard trim", chat.CancelToken}, ctrl.results)
}

func TestSlotPickerGroups(t *testing.T) {
	slots := conversation.ParseSlots([]any{"2025-03-05T10:00:00Z", "2025-03-04T09:00:00Z"})
	ctrl := &scriptedController{replies: []func(*chat.Snapshot){
		func(s *chat.Snapshot) {
			s.Selection = conversation.Selection{
				Dialog:     conversation.DialogSlotPicker,
				Slots:      slots,
				SlotGroups: conversation.GroupSlotsByDate(slots),
			}
		},
	}}

	out := run(t, ctrl, "times?\n1\n")

	tue := strings.Index(out, "Tuesday, March 4 2025")
	wed := strings.Index(out, "Wednesday, March 5 2025")
	require.Positive(t, tue)
	assert.Greater(t, wed, tue)
	assert.Equal(t, []string{"2025-03-04T09:00:00Z"}, ctrl.results)
}

func TestNewChatReprintsGreeting(t *testing.T) {
	ctrl := &scriptedController{}

	out := run(t, ctrl, "/new\n/quit\n")

	assert.Equal(t, 1, ctrl.newChats)
	assert.Equal(t, 2, strings.Count(out, "Welcome!"))
}

func TestBusyErrorIsReported(t *testing.T) {
	ctrl := &scriptedController{sendErr: chat.ErrBusy}

	out := run(t, ctrl, "hello\n")

	assert.Contains(t, out, "Still waiting for the agent.")
}

func TestBookingAndPaymentUpdates(t *testing.T) {
	ctrl := &scriptedController{replies: []func(*chat.Snapshot){
		func(s *chat.Snapshot) {
			s.Booking = conversation.Booking{Slot: "2025-03-04T09:00:00Z", Status: "created"}
			s.Selection.PaymentURL = "https://pay.example.com/abc"
		},
	}}

	out := run(t, ctrl, "confirm\n/help\n")

	assert.Equal(t, 1, strings.Count(out, "Booking created: 2025-03-04T09:00:00Z"))
	assert.Equal(t, 1, strings.Count(out, "https://pay.example.com/abc"))
}
