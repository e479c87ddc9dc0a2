// Package chat drives one conversation with the booking agent: it resolves
// the user, keeps the backend session confirmed, sends turns and folds the
// streamed replies into the transcript.
package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookchat/agent"
	"bookchat/conversation"
)

var (
	// ErrBusy is returned when a send is attempted while another is running
	// or the session is still being set up.
	ErrBusy = errors.New("chat: conversation is busy")
	// ErrNotReady is returned when the conversation could not be started.
	ErrNotReady = errors.New("chat: conversation is not ready")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("chat: conversation already started")
)

const (
	contactErrorText  = "Error contacting agent."
	sessionErrorText  = "Error creating session."
	identityErrorText = "Could not start the conversation: unable to identify you. Start a new chat to try again."
	invalidEmailText  = "That email address doesn't look right. Please try again."
)

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseAwaitingIdentity
	PhaseAwaitingSession
	PhaseReady
	PhaseSending
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseAwaitingIdentity:
		return "awaiting_identity"
	case PhaseAwaitingSession:
		return "awaiting_session"
	case PhaseReady:
		return "ready"
	case PhaseSending:
		return "sending"
	case PhaseErrored:
		return "errored"
	}
	return "unknown"
}

// SendPhase is the sub-state of PhaseSending.
type SendPhase int

const (
	SendIdle SendPhase = iota
	SendAwaitingSession
	SendAwaitingResponse
)

// Config is the per-conversation configuration injected by the caller.
type Config struct {
	AppName     string
	DisplayName string
	Streaming   bool
}

// Snapshot is a read-only copy of what the chat surface shows.
type Snapshot struct {
	Phase            Phase
	SendPhase        SendPhase
	Session          agent.Session
	SessionConfirmed bool

	Messages       []conversation.Message
	Active         *conversation.FunctionCall
	Selection      conversation.Selection
	Booking        conversation.Booking
	PendingBooking bool
	BookingActive  bool

	Loading bool
	Error   string
}

// Busy reports whether input should be disabled.
func (s Snapshot) Busy() bool {
	return s.Phase != PhaseReady
}

// Controller owns the transcript and the session lifecycle. All methods are
// safe for concurrent use; network calls are made without holding the lock.
type Controller struct {
	cfg       Config
	transport Transport
	identity  IdentityProvider
	sessions  SessionStore
	logger    *zap.Logger
	observer  func(Snapshot)
	now       func() time.Time
	newID     func() string

	mu         sync.Mutex
	phase      Phase
	sendPhase  SendPhase
	session    agent.Session
	confirmed  bool
	state      conversation.State
	reconciler conversation.Reconciler

	// generation is bumped by NewChat; work started under an older
	// generation discards its results.
	generation uint64
	started    bool
	cancelSend context.CancelFunc
	stream     EventStream

	bookingActive bool
	bookingToken  uint64
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers fn to be called with a fresh snapshot after every
// state change. fn runs on the goroutine that made the change, outside the
// controller's lock.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithSessionStore(store SessionStore) Option {
	return func(c *Controller) {
		c.sessions = store
	}
}

// WithIDGenerator replaces the uuid session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func New(cfg Config, transport Transport, identity IdentityProvider, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		transport: transport,
		identity:  identity,
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.reconciler = conversation.Reconciler{
		Now:         c.now,
		IsAnonymous: identity.IsAnonymous,
	}
	c.state.Reset(c.greeting(), c.now())
	c.phase = PhaseAwaitingIdentity
	return c
}

func (c *Controller) greeting() string {
	return fmt.Sprintf("Welcome! Start chatting with %s.", cmp.Or(c.cfg.DisplayName, "the agent"))
}

// Start resolves the user and confirms the session. The persisted session id
// is reused when there is one. A failed session confirm is reported but still
// leaves the conversation Ready.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	gen := c.generation
	c.mu.Unlock()

	return c.bootstrap(ctx, gen, true)
}

// NewChat abandons the current conversation, including any reply still
// streaming, and starts over with a fresh session id.
func (c *Controller) NewChat(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	c.started = true
	gen := c.generation
	c.abortSendLocked()
	c.bookingActive = false
	c.bookingToken++
	c.confirmed = false
	c.sendPhase = SendIdle
	c.state.Reset(c.greeting(), c.now())
	c.phase = PhaseAwaitingIdentity
	c.mu.Unlock()
	c.notify()

	return c.bootstrap(ctx, gen, false)
}

func (c *Controller) abortSendLocked() {
	if c.cancelSend != nil {
		c.cancelSend()
		c.cancelSend = nil
	}
	if c.stream != nil {
		c.stream.Cancel()
		c.stream = nil
	}
}

func (c *Controller) bootstrap(ctx context.Context, gen uint64, reuse bool) error {
	c.notify()

	userID, err := c.identity.UserID(ctx)
	if err != nil {
		c.logger.Error("failed to resolve user id", zap.Error(err))
		if c.update(gen, func() {
			c.phase = PhaseErrored
			c.state.ReportError(identityErrorText, c.now())
		}) {
			c.notify()
		}
		return fmt.Errorf("resolving user id: %w", err)
	}

	sessionID := ""
	if reuse {
		sessionID = c.loadSessionID(ctx)
	}
	if sessionID == "" {
		sessionID = c.newID()
		c.saveSessionID(ctx, sessionID)
	}

	var session agent.Session
	if !c.update(gen, func() {
		c.session = agent.Session{AppName: c.cfg.AppName, UserID: userID, SessionID: sessionID}
		c.confirmed = false
		c.phase = PhaseAwaitingSession
		session = c.session
	}) {
		return nil
	}
	c.notify()

	err = c.transport.EnsureSession(ctx, session)
	if c.update(gen, func() {
		if err != nil {
			c.logger.Warn("session ensure failed, continuing",
				zap.String("session_id", session.SessionID),
				zap.Error(err))
			c.state.ReportError(sessionErrorText, c.now())
		} else {
			c.confirmed = true
		}
		c.phase = PhaseReady
	}) {
		c.notify()
	}
	return nil
}

func (c *Controller) loadSessionID(ctx context.Context) string {
	if c.sessions == nil {
		return ""
	}
	id, err := c.sessions.LoadSessionID(ctx)
	if err != nil {
		c.logger.Debug("no stored session id", zap.Error(err))
		return ""
	}
	return id
}

func (c *Controller) saveSessionID(ctx context.Context, id string) {
	if c.sessions == nil {
		return
	}
	if err := c.sessions.SaveSessionID(ctx, id); err != nil {
		c.logger.Warn("failed to persist session id", zap.Error(err))
	}
}

// update runs fn under the lock unless NewChat has superseded gen. It reports
// whether fn ran.
func (c *Controller) update(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	fn()
	return true
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	st := c.state.Clone()
	return Snapshot{
		Phase:            c.phase,
		SendPhase:        c.sendPhase,
		Session:          c.session,
		SessionConfirmed: c.confirmed,
		Messages:         st.Log.Messages(),
		Active:           st.Active,
		Selection:        st.Selection,
		Booking:          st.Booking,
		PendingBooking:   st.PendingBooking != nil,
		BookingActive:    c.bookingActive,
		Loading:          st.Loading,
		Error:            st.Error,
	}
}

// DismissError clears the error banner. The transcript keeps the message.
func (c *Controller) DismissError() {
	c.mu.Lock()
	c.state.Error = ""
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.observer == nil {
		return
	}
	c.observer(c.Snapshot())
}
