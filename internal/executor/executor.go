// Package executor 按拓扑节拍并发执行任务图。
//
// 每个节拍把所有就绪步骤同时派发出去，并在进入下一节拍前等待它们全部结束。
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lewis121025/MAX-AI/internal/dispatch"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

const (
	// DefaultMaxAttempts 是单个步骤的默认尝试次数上限。
	DefaultMaxAttempts = 3
	// DefaultBackoff 是重试的基础等待时间，第 n 次重试等待 n 倍。
	DefaultBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff = 2 * time.Second
)

// Binder 在执行前为步骤绑定能力并解析参数。
type Binder interface {
	Bind(step *taskgraph.Step, graph *taskgraph.Graph, prior dispatch.ResultSource) (*dispatch.Binding, error)
}

// Observer 接收步骤状态变化，StepFinished 可能被并发调用。
type Observer interface {
	StepStarted(step *taskgraph.Step)
	StepFinished(step *taskgraph.Step)
	// TickFinished 在一个节拍的所有步骤都结束后调用。
	TickFinished(tick int, steps []*taskgraph.Step)
}

// Recorder 记录步骤执行指标。
type Recorder interface {
	StepCompleted(capability string, status taskgraph.Status, attempts int, elapsed time.Duration)
}

// Result 汇总一次执行。
type Result struct {
	Steps     []*taskgraph.Step
	Ticks     int
	Succeeded int
	Failed    int
	Skipped   int
}

// Option 调整 Executor。
type Option func(*Executor)

// WithMaxAttempts 设置尝试次数上限。
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff 设置线性退避的基础时间与上限。
func WithBackoff(base, limit time.Duration) Option {
	return func(e *Executor) {
		if base >= 0 {
			e.backoff = base
		}
		if limit > 0 {
			e.maxBackoff = limit
		}
	}
}

// WithRecorder 设置指标记录器。
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor 是无状态的并行执行器，可被多个任务共享。
type Executor struct {
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	recorder    Recorder
	logger      *slog.Logger
}

// New 创建执行器。
func New(opts ...Option) *Executor {
	e := &Executor{
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		maxBackoff:  DefaultMaxBackoff,
		logger:      logger.Named("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts 返回尝试次数上限。
func (e *Executor) MaxAttempts() int { return e.maxAttempts }

// Run 执行任务图直到所有步骤进入终态。ctx 取消后不再调度新的节拍，
// 在途调用随之取消，返回 CANCELLED 错误以及已经结束的步骤。
func (e *Executor) Run(ctx context.Context, g *taskgraph.Graph, binder Binder, prior dispatch.ResultSource, obs Observer) (*Result, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	order := g.TopologicalOrder()
	res := &Result{Steps: g.Steps()}

	for tick := 1; ; tick++ {
		if err := ctx.Err(); err != nil {
			e.tally(res)
			return res, cancelled(err)
		}

		e.settle(g, order, obs)
		ready := collect(g, order, taskgraph.StatusReady)
		if len(ready) == 0 {
			break
		}
		res.Ticks = tick

		batch := make([]*taskgraph.Step, 0, len(ready))
		bindings := make([]*dispatch.Binding, 0, len(ready))
		for _, s := range ready {
			b, err := binder.Bind(s, g, prior)
			if err != nil {
				s.Status = taskgraph.StatusFailed
				s.Err = err
				e.finish(s, obs)
				continue
			}
			batch = append(batch, s)
			bindings = append(bindings, b)
		}

		var wg sync.WaitGroup
		for i, s := range batch {
			s.Status = taskgraph.StatusRunning
			obs.StepStarted(s)
			wg.Add(1)
			go func(s *taskgraph.Step, b *dispatch.Binding) {
				defer wg.Done()
				e.attempt(ctx, s, b)
				e.finish(s, obs)
			}(s, bindings[i])
		}
		wg.Wait()

		if len(batch) > 0 {
			obs.TickFinished(tick, batch)
		}
	}

	e.tally(res)
	if err := ctx.Err(); err != nil {
		return res, cancelled(err)
	}
	return res, nil
}

// settle 按拓扑序传播跳过并提升就绪步骤。
func (e *Executor) settle(g *taskgraph.Graph, order []string, obs Observer) {
	for _, id := range order {
		s, _ := g.Step(id)
		if s.Status != taskgraph.StatusPending && s.Status != taskgraph.StatusReady {
			continue
		}
		ready := true
		for _, depID := range s.DependsOn {
			dep, _ := g.Step(depID)
			switch dep.Status {
			case taskgraph.StatusFailed, taskgraph.StatusSkipped:
				s.Status = taskgraph.StatusSkipped
				s.Err = xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("依赖步骤 %s 未成功，已跳过", depID),
					xerrors.WithMetadata("step_id", s.ID),
					xerrors.WithMetadata("dependency", depID))
				e.finish(s, obs)
				ready = false
			case taskgraph.StatusSucceeded:
				continue
			default:
				ready = false
			}
			if s.Status == taskgraph.StatusSkipped {
				break
			}
		}
		if ready && s.Status == taskgraph.StatusPending {
			s.Status = taskgraph.StatusReady
		}
	}
}

// attempt 在超时与重试策略下执行一个步骤，只修改该步骤本身。
func (e *Executor) attempt(ctx context.Context, s *taskgraph.Step, b *dispatch.Binding) {
	start := time.Now()
	defer func() { s.Elapsed = time.Since(start) }()

	for n := 1; ; n++ {
		s.Attempts = n
		value, err := b.Capability.Invoke(ctx, b.Args)
		if err == nil {
			s.Status = taskgraph.StatusSucceeded
			s.Result = value
			s.Err = nil
			return
		}
		s.Status = taskgraph.StatusFailed
		if ctx.Err() != nil {
			s.Err = cancelled(ctx.Err())
			return
		}
		if !xerrors.RetryableError(err) {
			s.Err = err
			return
		}
		if n >= e.maxAttempts {
			s.Err = xerrors.Wrap(xerrors.CodeToolExecution, err,
				fmt.Sprintf("能力 %s 重试 %d 次后仍然失败", b.Capability.Name(), n),
				xerrors.WithMetadata("step_id", s.ID),
				xerrors.WithMetadata("capability", b.Capability.Name()))
			return
		}

		wait := e.backoff * time.Duration(n)
		if wait > e.maxBackoff {
			wait = e.maxBackoff
		}
		e.logger.Debug("步骤重试", "step_id", s.ID, "capability", b.Capability.Name(), "attempt", n, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.Err = cancelled(ctx.Err())
			return
		case <-timer.C:
		}
	}
}

func (e *Executor) finish(s *taskgraph.Step, obs Observer) {
	if e.recorder != nil {
		e.recorder.StepCompleted(s.Capability, s.Status, s.Attempts, s.Elapsed)
	}
	if s.Err != nil {
		e.logger.Debug("步骤结束", "step_id", s.ID, "status", s.Status, "attempts", s.Attempts, "error", s.Err)
	} else {
		e.logger.Debug("步骤结束", "step_id", s.ID, "status", s.Status, "attempts", s.Attempts)
	}
	obs.StepFinished(s)
}

func (e *Executor) tally(res *Result) {
	res.Succeeded, res.Failed, res.Skipped = 0, 0, 0
	for _, s := range res.Steps {
		switch s.Status {
		case taskgraph.StatusSucceeded:
			res.Succeeded++
		case taskgraph.StatusFailed:
			res.Failed++
		case taskgraph.StatusSkipped:
			res.Skipped++
		}
	}
}

func collect(g *taskgraph.Graph, order []string, status taskgraph.Status) []*taskgraph.Step {
	var out []*taskgraph.Step
	for _, id := range order {
		if s, _ := g.Step(id); s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

func cancelled(err error) error {
	return xerrors.Wrap(xerrors.CodeCancelled, err, "任务已取消")
}

type nopObserver struct{}

func (nopObserver) StepStarted(*taskgraph.Step)         {}
func (nopObserver) StepFinished(*taskgraph.Step)        {}
func (nopObserver) TickFinished(int, []*taskgraph.Step) {}
