package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *IdentifierStore {
	t.Helper()
	store, err := NewIdentifierStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIdentifierStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Get(ctx, KeyUserID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, KeyUserID, "user-1"))
	require.NoError(t, store.Set(ctx, KeyUserID, "user-2"))

	got, err := store.Get(ctx, KeyUserID)
	require.NoError(t, err)
	assert.Equal(t, "user-2", got)

	updated, err := store.UpdatedAt(ctx, KeyUserID)
	require.NoError(t, err)
	assert.False(t, updated.IsZero())

	require.NoError(t, store.Delete(ctx, KeyUserID))
	_, err = store.Get(ctx, KeyUserID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdentifierStorePersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewIdentifierStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.SaveSessionID(ctx, "session-abc"))
	require.NoError(t, first.Close())

	second, err := NewIdentifierStore(dir)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.LoadSessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-abc", got)
	assert.FileExists(t, filepath.Join(dir, "bookchat.db"))
}

func TestNewIdentifierStoreMissingDir(t *testing.T) {
	_, err := NewIdentifierStore(filepath.Join(t.TempDir(), "missing", "nested"))
	assert.Error(t, err)
}

func TestInstanceLock(t *testing.T) {
	tests := []struct {
		name       string
		contents   *string
		wantLocked bool
		wantFile   bool
	}{
		{name: "no lock file", contents: nil, wantLocked: false, wantFile: false},
		{name: "garbage is cleaned up", contents: ptr("not a pid"), wantLocked: false, wantFile: false},
		{name: "own pid is not a conflict", contents: ptr(fmt.Sprintf("%d", os.Getpid())), wantLocked: false, wantFile: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, lockFileName)
			if tt.contents != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.contents), 0600))
			}

			locked, _, err := NewInstanceLock(dir).Check()
			require.NoError(t, err)
			assert.Equal(t, tt.wantLocked, locked)

			_, statErr := os.Stat(path)
			assert.Equal(t, tt.wantFile, statErr == nil)
		})
	}
}

func TestInstanceLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewInstanceLock(dir)

	require.NoError(t, lock.Acquire())
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), string(data))

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "releasing twice is harmless")
}

func ptr(s string) *string { return &s }
