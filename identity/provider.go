// Package identity provides the local anonymous identity used to address the
// agent server: a stable per-data-directory user id plus an optional email.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookchat/storage"
)

var ErrInvalidEmail = errors.New("identity: invalid email address")

// Store is the subset of storage.IdentifierStore the provider needs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type Provider struct {
	store  Store
	logger *zap.Logger
	newID  func() string

	mu     sync.Mutex
	userID string
	email  string
}

type Option func(*Provider)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithIDGenerator replaces uuid.NewString for new user ids.
func WithIDGenerator(fn func() string) Option {
	return func(p *Provider) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// NewProvider loads any previously registered email from the store.
func NewProvider(ctx context.Context, store Store, opts ...Option) (*Provider, error) {
	p := &Provider{
		store:  store,
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}

	email, err := store.Get(ctx, storage.KeyEmail)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading registered email: %w", err)
	default:
		p.email = email
	}

	return p, nil
}

// UserID returns the stored user id, creating and persisting one on first use.
func (p *Provider) UserID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.userID != "" {
		return p.userID, nil
	}

	id, err := p.store.Get(ctx, storage.KeyUserID)
	if err == nil && id != "" {
		p.userID = id
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("loading user id: %w", err)
	}

	id = p.newID()
	if err := p.store.Set(ctx, storage.KeyUserID, id); err != nil {
		return "", fmt.Errorf("saving user id: %w", err)
	}
	p.logger.Info("created anonymous user id", zap.String("user_id", id))
	p.userID = id
	return id, nil
}

func (p *Provider) IsAnonymous() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.email == ""
}

func (p *Provider) Email() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.email
}

// Register validates and stores email. The user id is unchanged so the
// current session stays addressable.
func (p *Provider) Register(ctx context.Context, email string) error {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return err
	}

	if err := p.store.Set(ctx, storage.KeyEmail, normalized); err != nil {
		return fmt.Errorf("saving email: %w", err)
	}

	p.mu.Lock()
	p.email = normalized
	p.mu.Unlock()

	p.logger.Info("registered email")
	return nil
}

// NormalizeEmail accepts a bare address ("a@b.example") and returns it
// trimmed. Display-name forms and addresses without a dotted domain are
// rejected.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return "", ErrInvalidEmail
	}

	at := strings.LastIndexByte(email, '@')
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", ErrInvalidEmail
	}

	return email, nil
}
