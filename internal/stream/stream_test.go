package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAssignsIncreasingSequence(t *testing.T) {
	log := NewLog()
	for _, n := range []Node{NodeSession, NodePlanner, NodeExecutor, NodeDone} {
		_, err := log.Emit(n, nil)
		require.NoError(t, err)
	}
	events := log.Events()
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.NotNil(t, ev.Data)
	}
	assert.True(t, log.Closed())
}

func TestNothingAfterTerminal(t *testing.T) {
	log := NewLog()
	_, err := log.Emit(NodeError, map[string]any{"message": "boom"})
	require.NoError(t, err)

	_, err = log.Emit(NodeDone, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = log.Emit(NodeExecutor, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Len(t, log.Events(), 1)
}

func TestSessionEmittedAtMostOnce(t *testing.T) {
	log := NewLog()
	_, err := log.Emit(NodeSession, nil)
	require.NoError(t, err)
	_, err = log.Emit(NodeSession, nil)
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestSingleSubscriber(t *testing.T) {
	log := NewLog()
	_, err := log.Subscribe()
	require.NoError(t, err)
	_, err = log.Subscribe()
	assert.ErrorIs(t, err, ErrSubscribed)
}

func TestSubscriberReceivesEveryEventInOrder(t *testing.T) {
	log := NewLog()
	sub, err := log.Subscribe()
	require.NoError(t, err)

	const producers = 8
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = log.Emit(NodeExecutor, map[string]any{"tool": "echo"})
		}()
	}
	go func() {
		wg.Wait()
		_, _ = log.Emit(NodeDone, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var seqs []uint64
	require.NoError(t, sub.Drain(ctx, func(ev Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	}))

	require.Len(t, seqs, producers+1)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNextHonoursContext(t *testing.T) {
	log := NewLog()
	sub, err := log.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSSERoundTrip(t *testing.T) {
	log := NewLog()
	a, _ := log.Emit(NodeSession, map[string]any{"session_id": "abc"})
	b, _ := log.Emit(NodeDone, nil)

	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, a))
	require.NoError(t, WriteSSE(&buf, b))
	assert.Contains(t, buf.String(), `data: {"seq":1,"node":"session","data":{"session_id":"abc"}}`+"\n\n")

	r := NewSSEReader(&buf)
	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, NodeSession, first.Node)
	assert.Equal(t, "abc", first.Data["session_id"])
	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, NodeDone, second.Node)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}
