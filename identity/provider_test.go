package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookchat/storage"
)

func newStore(t *testing.T) *storage.IdentifierStore {
	t.Helper()
	store, err := storage.NewIdentifierStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUserIDIsCreatedOnceAndPersisted(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	calls := 0
	gen := func() string {
		calls++
		return "user-fixed"
	}

	p, err := NewProvider(ctx, store, WithIDGenerator(gen))
	require.NoError(t, err)

	first, err := p.UserID(ctx)
	require.NoError(t, err)
	second, err := p.UserID(ctx)
	require.NoError(t, err)

	assert.Equal(t, "user-fixed", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	// a fresh provider over the same store reuses the id
	again, err := NewProvider(ctx, store, WithIDGenerator(func() string { return "other" }))
	require.NoError(t, err)
	id, err := again.UserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-fixed", id)
}

func TestDefaultUserIDIsUUID(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, newStore(t))
	require.NoError(t, err)

	id, err := p.UserID(ctx)
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestRegisterEmail(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	p, err := NewProvider(ctx, store)
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())
	assert.Empty(t, p.Email())

	require.NoError(t, p.Register(ctx, "  ada@example.com "))
	assert.False(t, p.IsAnonymous())
	assert.Equal(t, "ada@example.com", p.Email())

	reloaded, err := NewProvider(ctx, store)
	require.NoError(t, err)
	assert.False(t, reloaded.IsAnonymous())
	assert.Equal(t, "ada@example.com", reloaded.Email())
}

func TestRegisterRejectsInvalidEmail(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, newStore(t))
	require.NoError(t, err)

	for _, email := range []string{"", "   ", "not-an-email", "ada@", "ada@localhost", "Ada <ada@example.com>", "ada@example."} {
		err := p.Register(ctx, email)
		assert.ErrorIs(t, err, ErrInvalidEmail, "email %q", email)
	}
	assert.True(t, p.IsAnonymous())
}

type failingStore struct {
	getErr error
	setErr error
}

func (s failingStore) Get(context.Context, string) (string, error) { return "", s.getErr }
func (s failingStore) Set(context.Context, string, string) error   { return s.setErr }

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	_, err := NewProvider(ctx, failingStore{getErr: boom})
	assert.ErrorIs(t, err, boom)

	p, err := NewProvider(ctx, failingStore{getErr: storage.ErrNotFound, setErr: boom})
	require.NoError(t, err)

	_, err = p.UserID(ctx)
	assert.ErrorIs(t, err, boom)

	err = p.Register(ctx, "ada@example.com")
	assert.ErrorIs(t, err, boom)
	assert.True(t, p.IsAnonymous())
}
