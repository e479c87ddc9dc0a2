package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookchat/agent"
	"bookchat/conversation"
)

type fakeStream struct {
	batches   []agent.Batch
	gate      <-chan struct{}
	cancelled chan struct{}
	once      sync.Once

	// hold keeps the stream open after batches; tail is delivered only if
	// hold is closed before the stream is cancelled.
	hold <-chan struct{}
	tail []agent.Batch
}

func (s *fakeStream) Events() iter.Seq2[agent.Batch, error] {
	return func(yield func(agent.Batch, error) bool) {
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-s.cancelled:
				return
			}
		}
		for _, b := range s.batches {
			select {
			case <-s.cancelled:
				return
			default:
			}
			if !yield(b, nil) {
				return
			}
		}
		if s.hold == nil {
			return
		}
		select {
		case <-s.hold:
		case <-s.cancelled:
			return
		}
		for _, b := range s.tail {
			if !yield(b, nil) {
				return
			}
		}
	}
}

func (s *fakeStream) Cancel() {
	s.once.Do(func() { close(s.cancelled) })
}

type fakeTransport struct {
	mu          sync.Mutex
	ensureErr   error
	ensureCalls []agent.Session
	sendErr     error
	sends       []string
	sessions    []agent.Session
	replies     [][]agent.Batch
	gate        chan struct{}
	hold        chan struct{}
	tail        []agent.Batch
	streams     []*fakeStream
}

func (f *fakeTransport) EnsureSession(ctx context.Context, s agent.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls = append(f.ensureCalls, s)
	return f.ensureErr
}

func (f *fakeTransport) SendMessage(ctx context.Context, content any, s agent.Session, streaming bool) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, content.(string))
	f.sessions = append(f.sessions, s)
	if f.sendErr != nil {
		return nil, f.sendErr
	}

	batches := []agent.Batch{finalText("ok")}
	if len(f.replies) > 0 {
		batches = f.replies[0]
		f.replies = f.replies[1:]
	}
	stream := &fakeStream{batches: batches, gate: f.gate, hold: f.hold, tail: f.tail, cancelled: make(chan struct{})}
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) ensureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ensureCalls)
}

type fakeIdentity struct {
	mu          sync.Mutex
	userID      string
	err         error
	email       string
	registerErr error
}

func (f *fakeIdentity) UserID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID, f.err
}

func (f *fakeIdentity) IsAnonymous() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.email == ""
}

func (f *fakeIdentity) Email() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.email
}

func (f *fakeIdentity) Register(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.email = email
	return nil
}

type memorySessions struct {
	id    string
	saved []string
}

func (m *memorySessions) LoadSessionID(ctx context.Context) (string, error) {
	if m.id == "" {
		return "", errors.New("not found")
	}
	return m.id, nil
}

func (m *memorySessions) SaveSessionID(ctx context.Context, id string) error {
	m.id = id
	m.saved = append(m.saved, id)
	return nil
}

func finalText(s string) agent.Batch {
	return agent.Batch{Events: []agent.StreamEvent{agent.TextDelta{Text: s}}}
}

func partialText(s string) agent.Batch {
	return agent.Batch{Events: []agent.StreamEvent{agent.TextDelta{Text: s, Partial: true}}, Partial: true}
}

func callBatch(name string, args any) agent.Batch {
	return agent.Batch{Events: []agent.StreamEvent{agent.FunctionCallEvent{Name: name, RawArguments: args}}}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("session-%d", n)
	}
}

func newController(t *testing.T, tr Transport, id IdentityProvider, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithIDGenerator(sequentialIDs())}, opts...)
	return New(Config{AppName: "bookings_agent", Streaming: true}, tr, id, opts...)
}

func startedController(t *testing.T, tr *fakeTransport, id *fakeIdentity, opts ...Option) *Controller {
	t.Helper()
	c := newController(t, tr, id, opts...)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, PhaseReady, c.Snapshot().Phase)
	return c
}

func userMessages(snap Snapshot) []string {
	var out []string
	for _, m := range snap.Messages {
		if m.Role == conversation.RoleUser {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestNewControllerAwaitsIdentity(t *testing.T) {
	c := New(Config{AppName: "bookings_agent", DisplayName: "Ada"}, &fakeTransport{}, &fakeIdentity{userID: "u1"})

	snap := c.Snapshot()
	assert.Equal(t, PhaseAwaitingIdentity, snap.Phase)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "Welcome! Start chatting with Ada.", snap.Messages[0].Text)
	assert.True(t, snap.Busy())
}

func TestStartConfirmsSession(t *testing.T) {
	tr := &fakeTransport{}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	snap := c.Snapshot()
	assert.True(t, snap.SessionConfirmed)
	assert.Equal(t, agent.Session{AppName: "bookings_agent", UserID: "u1", SessionID: "session-1"}, snap.Session)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 1, tr.ensureCount())

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartSessionAlreadyExistsIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"detail":"Session already exists"}`)
	}))
	defer srv.Close()

	client, err := agent.NewClient(srv.URL, agent.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	c := newController(t, NewTransport(client), &fakeIdentity{userID: "u1"})
	require.NoError(t, c.Start(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.True(t, snap.SessionConfirmed)
	assert.Empty(t, snap.Error)
	assert.Len(t, snap.Messages, 1)
}

func TestStartReusesStoredSession(t *testing.T) {
	store := &memorySessions{id: "stored-session"}
	c := startedController(t, &fakeTransport{}, &fakeIdentity{userID: "u1"}, WithSessionStore(store))

	assert.Equal(t, "stored-session", c.Snapshot().Session.SessionID)
	assert.Empty(t, store.saved)

	require.NoError(t, c.NewChat(context.Background()))
	assert.Equal(t, "session-1", c.Snapshot().Session.SessionID)
	assert.Equal(t, []string{"session-1"}, store.saved)
}

func TestStartEnsureFailureStillReady(t *testing.T) {
	tr := &fakeTransport{ensureErr: errors.New("connection refused")}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	snap := c.Snapshot()
	assert.False(t, snap.SessionConfirmed)
	assert.Equal(t, sessionErrorText, snap.Error)

	// The next send retries the confirm before sending
	tr.mu.Lock()
	tr.ensureErr = nil
	tr.mu.Unlock()
	require.NoError(t, c.Send(context.Background(), "hello"))

	assert.Equal(t, 2, tr.ensureCount())
	assert.True(t, c.Snapshot().SessionConfirmed)
	assert.Equal(t, 1, tr.sendCount())
}

func TestStartIdentityFailure(t *testing.T) {
	id := &fakeIdentity{err: errors.New("keychain locked")}
	tr := &fakeTransport{}
	c := newController(t, tr, id)

	assert.Error(t, c.Start(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, PhaseErrored, snap.Phase)
	assert.Equal(t, identityErrorText, snap.Error)
	assert.ErrorIs(t, c.Send(context.Background(), "hello"), ErrNotReady)
	assert.Zero(t, tr.ensureCount())

	id.mu.Lock()
	id.err = nil
	id.userID = "u1"
	id.mu.Unlock()

	require.NoError(t, c.NewChat(context.Background()))
	assert.Equal(t, PhaseReady, c.Snapshot().Phase)
}

func TestSendStreamsReply(t *testing.T) {
	tr := &fakeTransport{replies: [][]agent.Batch{{
		partialText("Sure"),
		partialText("Sure, let's"),
		finalText("Sure, let's get started."),
	}}}

	var mu sync.Mutex
	var observed []Snapshot
	c := startedController(t, tr, &fakeIdentity{userID: "u1"}, WithObserver(func(s Snapshot) {
		mu.Lock()
		observed = append(observed, s)
		mu.Unlock()
	}))

	require.NoError(t, c.Send(context.Background(), "  Hi, I want to book a consultation "))

	snap := c.Snapshot()
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.False(t, snap.Loading)
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "Hi, I want to book a consultation", snap.Messages[1].Text)
	last := snap.Messages[2]
	assert.Equal(t, conversation.RoleAgent, last.Role)
	assert.Equal(t, "Sure, let's get started.", last.Text)
	assert.True(t, last.Completed)
	assert.False(t, last.Streaming)
	assert.Equal(t, []string{"Hi, I want to book a consultation"}, tr.sends)

	mu.Lock()
	defer mu.Unlock()
	var sawStreaming bool
	for _, s := range observed {
		for _, m := range s.Messages {
			if m.Streaming && m.Text == "Sure" {
				sawStreaming = true
			}
		}
	}
	assert.True(t, sawStreaming, "observer should see the partial turn")
}

func TestSendIgnoresBlankInput(t *testing.T) {
	tr := &fakeTransport{}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	require.NoError(t, c.Send(context.Background(), "   "))
	assert.Zero(t, tr.sendCount())
}

func TestSendWhileSendingIsBusy(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "first") }()

	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, PhaseSending, snap.Phase)
	assert.Equal(t, SendAwaitingResponse, snap.SendPhase)
	assert.True(t, snap.Loading)

	assert.ErrorIs(t, c.Send(context.Background(), "second"), ErrBusy)

	close(tr.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, tr.sendCount())
	assert.Equal(t, []string{"first"}, userMessages(c.Snapshot()))
}

func TestTransportErrorSurfacesDetail(t *testing.T) {
	tr := &fakeTransport{sendErr: &agent.APIError{Status: http.StatusInternalServerError, Message: "agent crashed"}}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	require.NoError(t, c.Send(context.Background(), "hello"))
	require.NoError(t, c.Send(context.Background(), "hello again"))

	snap := c.Snapshot()
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Equal(t, "Error contacting agent. agent crashed", snap.Error)

	var systemErrors int
	for _, m := range snap.Messages {
		if m.Role == conversation.RoleSystem && m.Text == snap.Error {
			systemErrors++
		}
	}
	assert.Equal(t, 1, systemErrors, "repeated errors are not duplicated")

	c.DismissError()
	assert.Empty(t, c.Snapshot().Error)
}

func TestUserFacingError(t *testing.T) {
	assert.Equal(t, contactErrorText, userFacingError(errors.New("dial tcp: refused")))
	assert.Equal(t, conversation.RateLimitMessage, userFacingError(&agent.APIError{Status: http.StatusTooManyRequests}))
	assert.Equal(t, conversation.RateLimitMessage, userFacingError(fmt.Errorf("send: %w", &agent.APIError{Status: 400, Message: "Quota exceeded"})))
}

func TestBookingGuardSuppressesDuplicates(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	c := startedController(t, tr, &fakeIdentity{userID: "u1", email: "ada@example.com"})

	args := map[string]any{"slot": "2025-03-04T11:00:00", "topic": "Kitchen remodel"}

	done := make(chan error, 1)
	go func() { done <- c.SubmitBooking(context.Background(), args) }()

	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.Snapshot().BookingActive)

	require.NoError(t, c.SubmitBooking(context.Background(), args))
	require.NoError(t, c.SubmitBooking(context.Background(), args))

	close(tr.gate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, tr.sendCount())
	assert.Equal(t,
		[]string{"Yes, please confirm my booking for 2025-03-04T11:00:00 about Kitchen remodel. My email is ada@example.com."},
		userMessages(c.Snapshot()))
	assert.False(t, c.Snapshot().BookingActive)
}

func TestBookingReleasesGuardOnFailure(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("network down")}
	c := startedController(t, tr, &fakeIdentity{userID: "u1", email: "ada@example.com"})

	require.NoError(t, c.SubmitBooking(context.Background(), map[string]any{"slot": "10:00"}))

	snap := c.Snapshot()
	assert.False(t, snap.BookingActive)
	assert.Equal(t, conversation.Booking{}, snap.Booking)
	assert.Equal(t, contactErrorText, snap.Error)

	// Guard released: a retry goes out
	tr.mu.Lock()
	tr.sendErr = nil
	tr.mu.Unlock()
	require.NoError(t, c.SubmitBooking(context.Background(), map[string]any{"slot": "10:00"}))
	assert.Equal(t, 2, tr.sendCount())
}

func TestRateLimitedBookingReleasesGuard(t *testing.T) {
	tr := &fakeTransport{replies: [][]agent.Batch{{finalText("429 Too Many Requests")}}}
	c := startedController(t, tr, &fakeIdentity{userID: "u1", email: "ada@example.com"})

	require.NoError(t, c.SubmitBooking(context.Background(), map[string]any{"slot": "10:00"}))

	snap := c.Snapshot()
	assert.False(t, snap.BookingActive)
	assert.False(t, snap.Loading)
	assert.Equal(t, conversation.RateLimitMessage, snap.Error)
	assert.Equal(t, conversation.Booking{}, snap.Booking)
}

func TestRateLimitEndsTurnWhileStreamIsOpen(t *testing.T) {
	hold := make(chan struct{})
	tr := &fakeTransport{
		replies: [][]agent.Batch{{
			partialText("Let me check"),
			{ErrorCode: "RESOURCE_EXHAUSTED", ErrorMessage: "Quota exceeded for model requests"},
		}},
		hold: hold,
		tail: []agent.Batch{finalText("late text")},
	}
	c := startedController(t, tr, &fakeIdentity{userID: "u1", email: "ada@example.com"})

	done := make(chan error, 1)
	go func() { done <- c.SubmitBooking(context.Background(), map[string]any{"slot": "10:00"}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(hold)
		t.Fatal("booking did not return after a rate-limited batch")
	}

	snap := c.Snapshot()
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.False(t, snap.Busy())
	assert.False(t, snap.Loading)
	assert.False(t, snap.BookingActive)
	assert.Equal(t, conversation.RateLimitMessage, snap.Error)

	close(hold)
	for _, m := range c.Snapshot().Messages {
		assert.NotEqual(t, "late text", m.Text)
	}
}

func TestAgentErrorEndsPartialTurn(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	tr := &fakeTransport{
		replies: [][]agent.Batch{{
			partialText("Let me"),
			{Events: []agent.StreamEvent{agent.TextDelta{Text: "Let me look", Partial: true}}, Partial: true, ErrorMessage: "Model overloaded"},
		}},
		hold: hold,
		tail: []agent.Batch{finalText("late text")},
	}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hi") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after an agent error")
	}

	snap := c.Snapshot()
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Contains(t, snap.Error, "Model overloaded")

	last := snap.Messages[len(snap.Messages)-2]
	assert.Equal(t, "Let me look", last.Text)
	assert.False(t, last.Streaming)
	assert.Equal(t, conversation.RoleSystem, snap.Messages[len(snap.Messages)-1].Role)
}

func TestCreateBookingCallSubmitsBooking(t *testing.T) {
	tr := &fakeTransport{replies: [][]agent.Batch{
		{callBatch("create_booking", `{"slot":"2025-03-04T11:00:00","topic":"Consultation"}`)},
		{finalText("You're booked!")},
	}}
	c := startedController(t, tr, &fakeIdentity{userID: "u1", email: "ada@example.com"})

	require.NoError(t, c.Send(context.Background(), "Book the 11am slot"))

	require.Equal(t, 2, tr.sendCount())
	assert.Equal(t, "Yes, please confirm my booking for 2025-03-04T11:00:00 about Consultation. My email is ada@example.com.", tr.sends[1])

	snap := c.Snapshot()
	assert.Equal(t, "2025-03-04T11:00:00", snap.Booking.Slot)
	assert.False(t, snap.BookingActive)
	assert.Equal(t, "You're booked!", snap.Messages[len(snap.Messages)-1].Text)
}

func TestAnonymousBookingWaitsForEmail(t *testing.T) {
	id := &fakeIdentity{userID: "u1"}
	tr := &fakeTransport{replies: [][]agent.Batch{
		{callBatch("create_booking", map[string]any{"slot": "2025-03-04T11:00:00"})},
	}}
	c := startedController(t, tr, id)

	require.NoError(t, c.Send(context.Background(), "Book it"))

	snap := c.Snapshot()
	assert.Equal(t, 1, tr.sendCount())
	assert.True(t, snap.PendingBooking)
	assert.Equal(t, conversation.DialogEmail, snap.Selection.Dialog)

	require.NoError(t, c.SubmitDialogResult(context.Background(), "ada@example.com"))

	require.Equal(t, 2, tr.sendCount())
	assert.Equal(t, "Yes, please confirm my booking for 2025-03-04T11:00:00. My email is ada@example.com.", tr.sends[1])
	assert.False(t, id.IsAnonymous())
	assert.False(t, c.Snapshot().PendingBooking)
}

func TestInvalidEmailKeepsDialogOpen(t *testing.T) {
	id := &fakeIdentity{userID: "u1", registerErr: errors.New("invalid address")}
	tr := &fakeTransport{replies: [][]agent.Batch{{callBatch("validate_email", nil)}}}
	c := startedController(t, tr, id)

	require.NoError(t, c.Send(context.Background(), "I'd like to book"))
	require.NoError(t, c.SubmitDialogResult(context.Background(), "not-an-email"))

	snap := c.Snapshot()
	assert.Equal(t, 1, tr.sendCount())
	assert.Equal(t, invalidEmailText, snap.Error)
	assert.Equal(t, conversation.DialogEmail, snap.Selection.Dialog)
}

func TestDialogEmptyResultSendsCancel(t *testing.T) {
	tr := &fakeTransport{replies: [][]agent.Batch{
		{callBatch("select_time_slot", map[string]any{"slots": []any{"2025-03-04T09:00:00"}})},
	}}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	require.NoError(t, c.Send(context.Background(), "Show me times"))
	assert.Equal(t, conversation.DialogSlotPicker, c.Snapshot().Selection.Dialog)

	require.NoError(t, c.SubmitDialogResult(context.Background(), ""))

	assert.Equal(t, []string{"Show me times", CancelToken}, tr.sends)
	assert.Equal(t, conversation.DialogNone, c.Snapshot().Selection.Dialog)
}

func TestDialogResultSentVerbatim(t *testing.T) {
	tr := &fakeTransport{replies: [][]agent.Batch{
		{callBatch("get_available_dates", map[string]any{"validDates": []any{"2025-03-04"}})},
	}}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	require.NoError(t, c.Send(context.Background(), "When are you free?"))
	require.NoError(t, c.SubmitDialogResult(context.Background(), "2025-03-04"))

	assert.Equal(t, []string{"When are you free?", "2025-03-04"}, tr.sends)
}

func TestNewChatCancelsInFlightSend(t *testing.T) {
	tr := &fakeTransport{
		gate:    make(chan struct{}),
		replies: [][]agent.Batch{{finalText("late reply")}},
	}
	c := startedController(t, tr, &fakeIdentity{userID: "u1"})

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "first question") }()
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.NewChat(context.Background()))
	close(tr.gate)
	require.NoError(t, <-done)

	snap := c.Snapshot()
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.Equal(t, "session-2", snap.Session.SessionID)
	assert.True(t, snap.SessionConfirmed)
	assert.False(t, snap.Loading)
	require.Len(t, snap.Messages, 1, "late events must not reach the new transcript")
	assert.Equal(t, conversation.RoleSystem, snap.Messages[0].Role)
	for _, m := range snap.Messages {
		assert.False(t, strings.Contains(m.Text, "late reply"))
	}
}

func TestBookingFromArgs(t *testing.T) {
	b := bookingFromArgs(map[string]any{"start_time": "10:00", "summary": "Tax review"}, "x@example.com")
	assert.Equal(t, conversation.Booking{Slot: "10:00", Topic: "Tax review", Email: "x@example.com"}, b)

	b = bookingFromArgs("not an object", "")
	assert.Equal(t, conversation.Booking{}, b)
}
