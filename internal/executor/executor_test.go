package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/internal/dispatch"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

type recorder struct {
	mu       sync.Mutex
	events   []string
	ticks    [][]string
	started  map[string]time.Time
	finished map[string]time.Time
}

func newRecorder() *recorder {
	return &recorder{started: map[string]time.Time{}, finished: map[string]time.Time{}}
}

func (r *recorder) StepStarted(s *taskgraph.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "start:"+s.ID)
	r.started[s.ID] = time.Now()
}

func (r *recorder) StepFinished(s *taskgraph.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(s.Status)+":"+s.ID)
	r.finished[s.ID] = time.Now()
}

func (r *recorder) TickFinished(_ int, steps []*taskgraph.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	r.ticks = append(r.ticks, ids)
	r.events = append(r.events, "tick")
}

func setup(t *testing.T, caps map[string]capability.InvokerFunc, timeout time.Duration) *dispatch.Dispatcher {
	t.Helper()
	reg := capability.NewRegistry()
	for name, fn := range caps {
		require.NoError(t, reg.Register(name, capability.Schema{AllowExtra: true}, fn, timeout))
	}
	reg.Seal()
	return dispatch.New(reg)
}

func graph(t *testing.T, steps ...*taskgraph.Step) *taskgraph.Graph {
	t.Helper()
	g, err := taskgraph.New(steps)
	require.NoError(t, err)
	return g
}

func ok(value any) capability.InvokerFunc {
	return func(context.Context, map[string]any) (any, error) { return value, nil }
}

func fast() *Executor {
	return New(WithBackoff(time.Millisecond, 5*time.Millisecond))
}

func TestRunDispatchesReadyStepsConcurrently(t *testing.T) {
	var arrived atomic.Int32
	both := make(chan struct{})
	rendezvous := capability.InvokerFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return "met", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	d := setup(t, map[string]capability.InvokerFunc{"meet": rendezvous}, time.Second)
	g := graph(t,
		&taskgraph.Step{ID: "a", Capability: "meet"},
		&taskgraph.Step{ID: "b", Capability: "meet"},
	)
	rec := newRecorder()

	res, err := fast().Run(context.Background(), g, d, nil, rec)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Ticks)
	require.Len(t, rec.ticks, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, rec.ticks[0])
	assert.Equal(t, "tick", rec.events[len(rec.events)-1])
}

func TestRunRespectsDependencies(t *testing.T) {
	d := setup(t, map[string]capability.InvokerFunc{
		"source": ok(21.0),
		"double": func(_ context.Context, args map[string]any) (any, error) {
			v, _ := capability.Float(args, "value")
			return v * 2, nil
		},
	}, time.Second)
	g := graph(t,
		&taskgraph.Step{ID: "a", Capability: "source"},
		&taskgraph.Step{ID: "b", Capability: "double", DependsOn: []string{"a"},
			Args: map[string]any{"value": "{a}.result"}},
	)
	rec := newRecorder()

	res, err := fast().Run(context.Background(), g, d, nil, rec)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ticks)
	b, _ := g.Step("b")
	assert.Equal(t, taskgraph.StatusSucceeded, b.Status)
	assert.Equal(t, 42.0, b.Result)
	assert.False(t, rec.started["b"].Before(rec.finished["a"]))
}

func TestRunSkipsDependentsOfFailedStep(t *testing.T) {
	d := setup(t, map[string]capability.InvokerFunc{
		"broken": func(context.Context, map[string]any) (any, error) {
			return nil, capability.InvalidArgument("bad input")
		},
		"echo": ok("x"),
	}, time.Second)
	g := graph(t,
		&taskgraph.Step{ID: "a", Capability: "broken"},
		&taskgraph.Step{ID: "b", Capability: "echo", DependsOn: []string{"a"}},
		&taskgraph.Step{ID: "c", Capability: "echo", DependsOn: []string{"b"}},
		&taskgraph.Step{ID: "d", Capability: "echo"},
	)
	rec := newRecorder()

	res, err := fast().Run(context.Background(), g, d, nil, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)

	a, _ := g.Step("a")
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(a.Err))
	for _, id := range []string{"b", "c"} {
		s, _ := g.Step(id)
		assert.Equal(t, taskgraph.StatusSkipped, s.Status)
		assert.Zero(t, s.Attempts)
		assert.NotContains(t, rec.events, "start:"+id)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	d := setup(t, map[string]capability.InvokerFunc{
		"flaky": func(context.Context, map[string]any) (any, error) {
			if calls.Add(1) == 1 {
				return nil, capability.ExternalServiceError(errors.New("503"), "upstream busy")
			}
			return "ok", nil
		},
	}, time.Second)
	g := graph(t, &taskgraph.Step{ID: "a", Capability: "flaky"})

	res, err := fast().Run(context.Background(), g, d, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	a, _ := g.Step("a")
	assert.Equal(t, 2, a.Attempts)
}

func TestRunBoundsHangingStep(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	d := setup(t, map[string]capability.InvokerFunc{
		"hang": func(context.Context, map[string]any) (any, error) {
			<-release
			return nil, nil
		},
		"echo": ok("x"),
	}, 20*time.Millisecond)
	g := graph(t,
		&taskgraph.Step{ID: "a", Capability: "hang"},
		&taskgraph.Step{ID: "b", Capability: "echo", DependsOn: []string{"a"}},
	)

	start := time.Now()
	res, err := fast().Run(context.Background(), g, d, nil, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	a, _ := g.Step("a")
	assert.Equal(t, taskgraph.StatusFailed, a.Status)
	assert.Equal(t, DefaultMaxAttempts, a.Attempts)
	assert.Equal(t, xerrors.CodeToolExecution, xerrors.CodeOf(a.Err))
	assert.ErrorIs(t, a.Err, xerrors.New(xerrors.CodeTimeout, ""))
	assert.Equal(t, 1, res.Skipped)
}

func TestRunFailsStepOnBindError(t *testing.T) {
	d := setup(t, map[string]capability.InvokerFunc{"echo": ok("x")}, time.Second)
	g := graph(t,
		&taskgraph.Step{ID: "a", Capability: "missing"},
		&taskgraph.Step{ID: "b", Capability: "echo", DependsOn: []string{"a"}},
		&taskgraph.Step{ID: "c", Capability: "echo"},
	)
	rec := newRecorder()

	res, err := fast().Run(context.Background(), g, d, nil, rec)
	require.NoError(t, err)
	a, _ := g.Step("a")
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(a.Err))
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, rec.ticks, 1)
	assert.Equal(t, []string{"c"}, rec.ticks[0])
}

func TestRunStopsOnCancellation(t *testing.T) {
	started := make(chan struct{})
	d := setup(t, map[string]capability.InvokerFunc{
		"wait": func(ctx context.Context, _ map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"echo": ok("x"),
	}, 5*time.Second)
	g := graph(t,
		&taskgraph.Step{ID: "a", Capability: "wait"},
		&taskgraph.Step{ID: "b", Capability: "echo", DependsOn: []string{"a"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := fast().Run(ctx, g, d, nil, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))

	a, _ := g.Step("a")
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(a.Err))
	b, _ := g.Step("b")
	assert.Equal(t, taskgraph.StatusPending, b.Status)
}
