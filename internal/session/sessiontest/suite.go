// Package sessiontest 提供所有会话存储实现共用的契约测试。
package sessiontest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/session"
)

// Run 针对 newStore 返回的存储执行契约测试，每个子测试使用新的存储。
func Run(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Helper()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("AppendAndLoadPreservesOrder", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		msgs := []session.Message{
			{Role: session.RoleHuman, Content: "search go", CreatedAt: base},
			{Role: session.RoleAI, Content: "here you go", CreatedAt: base.Add(time.Second)},
			{Role: session.RoleHuman, Content: "thanks", CreatedAt: base.Add(2 * time.Second)},
		}
		for _, m := range msgs {
			require.NoError(t, store.Append(ctx, "s-1", m))
		}
		got, err := store.Load(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := range msgs {
			assert.Equal(t, msgs[i].Role, got[i].Role)
			assert.Equal(t, msgs[i].Content, got[i].Content)
			assert.True(t, msgs[i].CreatedAt.Equal(got[i].CreatedAt), "created_at of message %d", i)
		}
	})

	t.Run("ListNewestFirstWithTitle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		long := strings.Repeat("长", 60)
		require.NoError(t, store.Append(ctx, "old", session.Message{Role: session.RoleHuman, Content: "first question", CreatedAt: base}))
		require.NoError(t, store.Append(ctx, "new", session.Message{Role: session.RoleHuman, Content: long, CreatedAt: base.Add(time.Hour)}))

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "new", list[0].ID)
		assert.Equal(t, strings.Repeat("长", 50)+"...", list[0].Title)
		assert.Equal(t, "old", list[1].ID)
		assert.Equal(t, "first question", list[1].Title)
		assert.True(t, base.Equal(list[1].CreatedAt))
	})

	t.Run("MissingSessionIsNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Load(context.Background(), "ghost")
		assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
		err = store.Delete(context.Background(), "ghost")
		assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	})

	t.Run("DeleteRemovesSession", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Append(ctx, "gone", session.Message{Role: session.RoleHuman, Content: "hi", CreatedAt: base}))
		require.NoError(t, store.Delete(ctx, "gone"))
		_, err := store.Load(ctx, "gone")
		assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
		list, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("CoordinatorSerialisesConcurrentWrites", func(t *testing.T) {
		store := newStore(t)
		coord := session.NewCoordinator(store)
		ctx := context.Background()
		const writers = 10
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := coord.Append(ctx, "busy",
					session.Message{Role: session.RoleHuman, Content: fmt.Sprintf("q%d", i), CreatedAt: base},
					session.Message{Role: session.RoleAI, Content: fmt.Sprintf("a%d", i), CreatedAt: base})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		msgs, err := store.Load(ctx, "busy")
		require.NoError(t, err)
		require.Len(t, msgs, 2*writers)
		for i := 0; i < len(msgs); i += 2 {
			assert.Equal(t, session.RoleHuman, msgs[i].Role)
			assert.Equal(t, "a"+strings.TrimPrefix(msgs[i].Content, "q"), msgs[i+1].Content)
		}
	})
}
