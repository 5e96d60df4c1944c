package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/stream"
)

// tickClock 每次调用前进一秒，保证更新时间严格递增。
type tickClock struct{ now time.Time }

func (c *tickClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func runStoreContract(t *testing.T, newStore func(t *testing.T, now func() time.Time) Store) {
	t.Helper()

	newJob := func(id, query, session string, maxRetries int) *Task {
		return &Task{ID: id, Query: query, SessionID: session, Status: StatusPending, MaxRetries: maxRetries}
	}

	t.Run("CreateRejectsDuplicate", func(t *testing.T) {
		clock := &tickClock{now: time.Unix(1000, 0)}
		store := newStore(t, clock.Now)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newJob("dup", "q", "s", 3)))
		err := store.Create(ctx, newJob("dup", "q", "s", 3))
		assert.ErrorIs(t, err, ErrTaskConflict)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("ClaimRetryLifecycle", func(t *testing.T) {
		clock := &tickClock{now: time.Unix(1000, 0)}
		store := newStore(t, clock.Now)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newJob("j1", "q", "s", 2)))

		claimed, err := store.Claim(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)

		_, err = store.Claim(ctx, "j1")
		assert.ErrorIs(t, err, ErrTaskConflict)

		require.NoError(t, store.MarkFailed(ctx, "j1", xerrors.CodeStorageFailure, "db down", false))
		got, err := store.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, string(xerrors.CodeStorageFailure), got.ErrorCode)
		assert.Equal(t, "db down", got.LastError)

		claimed, err = store.Claim(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, 2, claimed.Attempts)
		assert.Empty(t, claimed.LastError)

		require.NoError(t, store.MarkFailed(ctx, "j1", xerrors.CodeStorageFailure, "db down", false))
		_, err = store.Claim(ctx, "j1")
		assert.ErrorIs(t, err, ErrTaskExhausted)

		_, err = store.Claim(ctx, "ghost")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("SucceededKeepsResult", func(t *testing.T) {
		clock := &tickClock{now: time.Unix(1000, 0)}
		store := newStore(t, clock.Now)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newJob("ok", "q", "s", 3)))
		_, err := store.Claim(ctx, "ok")
		require.NoError(t, err)

		result := ExecutionResult{
			Answer:      "42",
			Iterations:  1,
			SuccessRate: "1/1",
			Events: []stream.Event{
				{Seq: 1, Node: stream.NodeSession, Data: map[string]any{"session_id": "s"}},
				{Seq: 2, Node: stream.NodeDone, Data: map[string]any{}},
			},
		}
		require.NoError(t, store.MarkSucceeded(ctx, "ok", result))

		got, err := store.Get(ctx, "ok")
		require.NoError(t, err)
		assert.True(t, got.Finished())
		require.NotNil(t, got.Result)
		assert.Equal(t, "42", got.Result.Answer)
		assert.Equal(t, "1/1", got.Result.SuccessRate)
		require.Len(t, got.Result.Events, 2)
		assert.Equal(t, stream.NodeDone, got.Result.Events[1].Node)

		_, err = store.Claim(ctx, "ok")
		assert.ErrorIs(t, err, ErrTaskCompleted)

		require.NoError(t, store.MarkFailed(ctx, "ok", xerrors.CodePlanning, "boom", true))
		_, err = store.Claim(ctx, "ok")
		assert.ErrorIs(t, err, ErrTaskExhausted)
	})

	t.Run("ListFiltersAndStats", func(t *testing.T) {
		clock := &tickClock{now: time.Unix(1000, 0)}
		store := newStore(t, clock.Now)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newJob("a1", "weather in paris", "sa", 3)))
		require.NoError(t, store.Create(ctx, newJob("a2", "compute 6*7", "sa", 3)))
		require.NoError(t, store.Create(ctx, newJob("b1", "weather in rome", "sb", 3)))

		list, err := store.List(ctx, BuildListOptions(WithSession("sa")))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a2", list[0].ID)
		assert.Equal(t, "a1", list[1].ID)

		list, err = store.List(ctx, BuildListOptions(WithSession("sa"), WithSortOrder(SortByUpdatedAsc), WithLimit(1)))
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "a1", list[0].ID)

		list, err = store.List(ctx, BuildListOptions(WithQuery("weather")))
		require.NoError(t, err)
		assert.Len(t, list, 2)

		_, err = store.Claim(ctx, "b1")
		require.NoError(t, err)
		require.NoError(t, store.MarkSucceeded(ctx, "b1", ExecutionResult{Answer: "sunny"}))

		list, err = store.List(ctx, BuildListOptions(WithStatuses(StatusPending)))
		require.NoError(t, err)
		assert.Len(t, list, 2)

		list, err = store.List(ctx, BuildListOptions(WithResultPresence(true)))
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "b1", list[0].ID)

		stats, err := store.Stats(ctx, BuildListOptions())
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 1, stats.Succeeded)
		assert.Zero(t, stats.Failed)
		assert.Less(t, stats.OldestUpdatedAt, stats.NewestUpdatedAt)

		stats, err = store.Stats(ctx, BuildListOptions(WithSession("sb")))
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Total)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(_ *testing.T, now func() time.Time) Store {
		store := NewMemoryStore()
		store.now = now
		return store
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "c", Query: "q", Status: StatusPending, MaxRetries: 1,
		Metadata: map[string]any{"k": "v"}}))

	got, err := store.Get(ctx, "c")
	require.NoError(t, err)
	got.Metadata["k"] = "changed"
	got.Status = StatusFailed

	again, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
	assert.Equal(t, StatusPending, again.Status)
}

func TestBuildListOptionsDefaults(t *testing.T) {
	opts := BuildListOptions(WithLimit(1000), WithOffset(-3), WithStatuses("bogus", StatusFailed, StatusFailed))
	assert.Equal(t, maxListLimit, opts.Limit)
	assert.Zero(t, opts.Offset)
	assert.Equal(t, []Status{StatusFailed}, opts.Statuses)
	assert.Equal(t, SortByUpdatedDesc, opts.Order)

	assert.Equal(t, defaultListLimit, BuildListOptions().Limit)
}
