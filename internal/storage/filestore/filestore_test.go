package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/internal/session/sessiontest"
)

func TestStoreContract(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		store, err := New(t.TempDir())
		require.NoError(t, err)
		return store
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, "keep", session.Message{Role: session.RoleHuman, Content: "hello", CreatedAt: time.Now().UTC()}))

	second, err := New(dir)
	require.NoError(t, err)
	msgs, err := second.Load(ctx, "keep")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStoreRejectsTraversal(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	err = store.Append(context.Background(), "../escape", session.Message{Role: session.RoleHuman, Content: "x"})
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
}

func TestCorruptFileIsStorageFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))
	store, err := New(dir)
	require.NoError(t, err)
	_, err = store.Load(context.Background(), "bad")
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}
