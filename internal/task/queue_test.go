package task

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

// exerciseQueue 发布 n 个作业并确认全部被消费。
func exerciseQueue(t *testing.T, q Queue, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	wg.Add(n)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 3, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			if !seen[id] {
				seen[id] = true
				wg.Done()
			}
			return nil
		})
	}()

	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, q.Publish(ctx, ids[i]))
	}

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("queue did not deliver every job")
	}
	cancel()
	<-done

	for _, id := range ids {
		assert.True(t, seen[id], id)
	}
}

func TestMemoryQueueDelivers(t *testing.T) {
	q := NewMemoryQueue(16)
	exerciseQueue(t, q, 10)
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), "late")
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}

func TestMemoryQueuePublishRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, "b"), context.DeadlineExceeded)
}

// 默认使用进程内的 miniredis，设置 MAXAI_TEST_REDIS_ADDR 时改连真实服务。
func TestRedisQueueDelivers(t *testing.T) {
	addr := os.Getenv("MAXAI_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	q, err := NewRedisQueue(context.Background(), RedisQueueConfig{
		Address:   addr,
		Queue:     "maxai:test:" + uuid.NewString(),
		BlockWait: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer q.Close()
	exerciseQueue(t, q, 5)
}

// 需要真实的 RabbitMQ，通过 MAXAI_TEST_AMQP_URL 指定地址。
func TestRabbitMQQueueDelivers(t *testing.T) {
	url := os.Getenv("MAXAI_TEST_AMQP_URL")
	if url == "" {
		t.Skip("MAXAI_TEST_AMQP_URL 未设置")
	}
	q, err := NewRabbitMQQueue(RabbitMQConfig{
		URL:        url,
		Queue:      "maxai.test." + uuid.NewString(),
		AutoDelete: true,
	})
	require.NoError(t, err)
	defer q.Close()
	exerciseQueue(t, q, 5)
}
