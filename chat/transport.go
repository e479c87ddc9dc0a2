package chat

import (
	"context"
	"iter"

	"bookchat/agent"
)

// EventStream is one in-flight reply from the agent.
type EventStream interface {
	Events() iter.Seq2[agent.Batch, error]
	Cancel()
}

// Transport is the agent server as seen by the controller.
type Transport interface {
	EnsureSession(ctx context.Context, s agent.Session) error
	SendMessage(ctx context.Context, content any, s agent.Session, streaming bool) (EventStream, error)
}

// IdentityProvider supplies the user id and tracks whether the user has
// registered an email.
type IdentityProvider interface {
	UserID(ctx context.Context) (string, error)
	IsAnonymous() bool
	Email() string
	Register(ctx context.Context, email string) error
}

// SessionStore persists the active conversation's session id across runs.
type SessionStore interface {
	LoadSessionID(ctx context.Context) (string, error)
	SaveSessionID(ctx context.Context, id string) error
}

type clientTransport struct {
	client *agent.Client
}

// NewTransport adapts an agent client to the Transport interface.
func NewTransport(client *agent.Client) Transport {
	return clientTransport{client: client}
}

func (t clientTransport) EnsureSession(ctx context.Context, s agent.Session) error {
	return t.client.EnsureSession(ctx, s)
}

func (t clientTransport) SendMessage(ctx context.Context, content any, s agent.Session, streaming bool) (EventStream, error) {
	stream, err := t.client.SendMessage(ctx, content, s, streaming)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
