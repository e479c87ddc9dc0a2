package conversation

import (
	"slices"
	"time"
)

// Selection is the transient UI state driven by function calls: which dialog
// is open and what it offers.
type Selection struct {
	Dialog         DialogKind
	Question       string
	Options        []string
	AvailableDates []string
	Slots          []Slot
	SlotGroups     []SlotGroup
	PaymentURL     string
}

// Booking records what a booking confirmation was about.
type Booking struct {
	Slot   string
	Topic  string
	Email  string
	Status string
}

// State is everything the chat surface shows. It is owned by one controller
// and mutated only through the reconciler and the helpers below.
type State struct {
	Log       Log
	Active    *FunctionCall
	History   []FunctionCall
	Selection Selection
	Booking   Booking

	// PendingBooking is a create-booking call deferred until the user
	// registers an email.
	PendingBooking *FunctionCall

	Loading bool
	Error   string
}

// Reset clears the conversation and, if greeting is set, starts the
// transcript with it.
func (s *State) Reset(greeting string, now time.Time) {
	*s = State{}
	if greeting != "" {
		s.Log.Append(Message{Role: RoleSystem, Text: greeting, Timestamp: now, Completed: true})
	}
}

// AppendUser records a user turn. Function calls still waiting on the user
// (questions, pickers) are closed since this turn answers them.
func (s *State) AppendUser(text string, now time.Time) {
	s.Log.CompleteStreaming()
	s.Log.completePendingCalls()
	s.Active = nil
	s.Log.Append(Message{Role: RoleUser, Text: text, Timestamp: now, Completed: true})
}

// AddSystem appends an informational system message.
func (s *State) AddSystem(text string, now time.Time) {
	s.Log.Append(Message{Role: RoleSystem, Text: text, Timestamp: now, Completed: true})
}

// ReportError surfaces text as the current error. An identical system message
// already in the transcript is not repeated.
func (s *State) ReportError(text string, now time.Time) {
	s.Error = text
	s.Loading = false
	if !s.Log.hasSystemText(text) {
		s.AddSystem(text, now)
	}
}

// ClearSelection closes any dialog and drops what it offered.
func (s *State) ClearSelection() {
	s.Selection = Selection{}
}

// Clone returns a copy safe to hand to another goroutine for reading.
func (s *State) Clone() State {
	c := *s
	c.Log = Log{messages: s.Log.Messages()}
	c.History = slices.Clone(s.History)
	c.Selection.Options = slices.Clone(s.Selection.Options)
	c.Selection.AvailableDates = slices.Clone(s.Selection.AvailableDates)
	c.Selection.Slots = slices.Clone(s.Selection.Slots)
	c.Selection.SlotGroups = slices.Clone(s.Selection.SlotGroups)
	if s.Active != nil {
		active := *s.Active
		c.Active = &active
	}
	if s.PendingBooking != nil {
		pending := *s.PendingBooking
		c.PendingBooking = &pending
	}
	return c
}
