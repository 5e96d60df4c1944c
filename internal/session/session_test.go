package session_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/internal/session/sessiontest"
)

func TestMemoryStoreContract(t *testing.T) {
	sessiontest.Run(t, func(*testing.T) session.Store { return session.NewMemoryStore() })
}

func TestValidID(t *testing.T) {
	assert.True(t, session.ValidID("2f1c-abc-9"))
	assert.False(t, session.ValidID(""))
	assert.False(t, session.ValidID("UPPER"))
	assert.False(t, session.ValidID("../etc"))
	assert.False(t, session.ValidID(strings.Repeat("a", 101)))
	assert.True(t, session.ValidID(strings.Repeat("a", 100)))
}

func TestTitle(t *testing.T) {
	assert.Equal(t, session.DefaultTitle, session.Title(session.Message{Role: session.RoleAI, Content: "x"}))
	assert.Equal(t, session.DefaultTitle, session.Title(session.Message{Role: session.RoleHuman, Content: "  "}))
	assert.Equal(t, "a b", session.Title(session.Message{Role: session.RoleHuman, Content: " a \n b "}))
}

func TestResolve(t *testing.T) {
	c := session.NewCoordinator(session.NewMemoryStore())

	id, created, err := c.Resolve("")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, session.ValidID(id))

	id, created, err = c.Resolve("abc-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "abc-1", id)

	_, _, err = c.Resolve("Bad ID!")
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
}

func TestHistoryWindow(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := session.NewCoordinator(session.NewMemoryStore(), session.WithHistoryDepth(2),
		session.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	empty, err := c.History(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, c.Append(ctx, "s",
		session.Message{Role: session.RoleHuman, Content: "1"},
		session.Message{Role: session.RoleAI, Content: "2"},
		session.Message{Role: session.RoleHuman, Content: "3"}))

	hist, err := c.History(ctx, "s")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "2", hist[0].Content)
	assert.Equal(t, "3", hist[1].Content)
	assert.True(t, fixed.Equal(hist[0].CreatedAt))
}

func TestCoordinatorRejectsInvalidIDs(t *testing.T) {
	c := session.NewCoordinator(session.NewMemoryStore())
	err := c.Append(context.Background(), "../x", session.Message{Role: session.RoleHuman, Content: "x"})
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	_, err = c.Load(context.Background(), "UP")
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
}
