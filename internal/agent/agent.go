package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/internal/critic"
	"github.com/Lewis121025/MAX-AI/internal/dispatch"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/executor"
	"github.com/Lewis121025/MAX-AI/internal/llm"
	"github.com/Lewis121025/MAX-AI/internal/observability/alerting"
	"github.com/Lewis121025/MAX-AI/internal/planner"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/internal/stream"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

// defaultPolishTimeout 是润色调用的默认超时时间。
const defaultPolishTimeout = 30 * time.Second

// Request 是一次用户查询。
type Request struct {
	Query     string   `json:"query"`
	SessionID string   `json:"session_id,omitempty"`
	Uploads   []string `json:"uploads,omitempty"`
}

// Outcome 汇总一次任务的结果。
type Outcome struct {
	TaskID     string               `json:"task_id"`
	SessionID  string               `json:"session_id"`
	Answer     string               `json:"answer"`
	Status     taskgraph.TaskStatus `json:"status"`
	Degraded   bool                 `json:"degraded"`
	Iterations int                  `json:"iterations"`
	LLMCalls   int                  `json:"llm_calls"`
	Succeeded  int                  `json:"succeeded"`
	Total      int                  `json:"total"`
	Elapsed    time.Duration        `json:"elapsed"`
}

// SuccessRate 返回 k/n 形式的成功率，按起源步骤统计。
func (o *Outcome) SuccessRate() string {
	return fmt.Sprintf("%d/%d", o.Succeeded, o.Total)
}

// Planner 为每轮迭代生成任务图。
type Planner interface {
	Plan(req planner.Request) (*planner.Plan, error)
}

// Executor 执行一张任务图。
type Executor interface {
	Run(ctx context.Context, g *taskgraph.Graph, binder executor.Binder, prior dispatch.ResultSource, obs executor.Observer) (*executor.Result, error)
}

// TaskRecorder 记录任务级指标。
type TaskRecorder interface {
	TaskFinished(status taskgraph.TaskStatus, iterations int, elapsed time.Duration)
}

// Option 调整 Agent。
type Option func(*Agent)

// WithExecutor 替换默认执行器。
func WithExecutor(e Executor) Option {
	return func(a *Agent) {
		if e != nil {
			a.executor = e
		}
	}
}

// WithCritic 替换默认的确定性评估器，轮数上限仍然生效。
func WithCritic(j critic.Judge) Option {
	return func(a *Agent) {
		if j != nil {
			a.judge = j
		}
	}
}

// WithPolisher 设置润色器及其超时时间。
func WithPolisher(p llm.Polisher, timeout time.Duration) Option {
	return func(a *Agent) {
		a.polisher = p
		if timeout > 0 {
			a.polishTimeout = timeout
		}
	}
}

// WithMaxIterations 设置最大规划轮数。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithFailOnEmptyResult 在没有任何步骤成功时以错误结束任务，而不是输出降级回答。
func WithFailOnEmptyResult(enabled bool) Option {
	return func(a *Agent) { a.failOnEmpty = enabled }
}

// WithTaskRecorder 设置任务指标记录器。
func WithTaskRecorder(r TaskRecorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithAlertDispatcher 设置任务失败时的告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(a *Agent) { a.alerts = d }
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// Agent 协调规划器、执行器、评估器与会话存储。多个任务可以并发共享同一个 Agent。
type Agent struct {
	registry      *capability.Registry
	planner       Planner
	sessions      *session.Coordinator
	binder        executor.Binder
	executor      Executor
	judge         critic.Judge
	polisher      llm.Polisher
	polishTimeout time.Duration
	maxIterations int
	failOnEmpty   bool
	recorder      TaskRecorder
	alerts        alerting.Dispatcher
	logger        *slog.Logger
	now           func() time.Time
}

// New 创建 Agent。
func New(registry *capability.Registry, p Planner, sessions *session.Coordinator, opts ...Option) *Agent {
	a := &Agent{
		registry:      registry,
		planner:       p,
		sessions:      sessions,
		binder:        dispatch.New(registry),
		executor:      executor.New(),
		judge:         critic.NewDeterministic(nil),
		polishTimeout: defaultPolishTimeout,
		maxIterations: critic.DefaultMaxIterations,
		logger:        logger.Named("agent"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.judge = critic.NewBounded(a.judge, a.maxIterations)
	return a
}

// Start 在后台运行任务并立即返回事件日志。
func (a *Agent) Start(ctx context.Context, req Request) *stream.Log {
	log := stream.NewLog()
	go func() {
		_, _ = a.Run(ctx, req, log)
	}()
	return log
}

// Run 同步执行任务，事件写入 log。返回的错误与 error 事件中的错误一致。
func (a *Agent) Run(ctx context.Context, req Request, log *stream.Log) (out *Outcome, err error) {
	start := a.now()
	task := taskgraph.NewTask(uuid.NewString(), strings.TrimSpace(req.Query), "")
	task.CreatedAt = start
	out = &Outcome{TaskID: task.ID, Status: taskgraph.TaskRunning}
	em := &emitter{log: log, logger: a.logger.With("task_id", task.ID)}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("任务执行出现 panic", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = xerrors.New(xerrors.CodeSystem, fmt.Sprintf("任务执行出现内部错误: %v", r),
				xerrors.WithMetadata("task_id", task.ID))
		}
		if err != nil {
			em.fail(err)
		}
		out.Iterations = task.Iteration
		out.Elapsed = a.now().Sub(start)
		a.settle(ctx, task, out, err)
	}()

	sessionID, _, err := a.sessions.Resolve(req.SessionID)
	if err != nil {
		return out, err
	}
	task.SessionID = sessionID
	out.SessionID = sessionID
	em.emit(stream.NodeSession, map[string]any{"session_id": sessionID})

	if a.registry == nil || !a.registry.Ready() {
		return out, xerrors.New(xerrors.CodeInitializationFailure, "能力注册表尚未就绪")
	}

	if err := a.loop(ctx, task, req, em, out); err != nil {
		return out, err
	}
	return out, nil
}

// loop 驱动规划、执行与评估，直到评估完成或出现任务级错误。
func (a *Agent) loop(ctx context.Context, task *taskgraph.Task, req Request, em *emitter, out *Outcome) error {
	var verdict *critic.Verdict
	degraded := false

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		task.Iteration = iteration

		plan, err := a.planner.Plan(planner.Request{
			Query:     task.Query,
			Iteration: iteration,
			Uploads:   req.Uploads,
			Verdict:   verdict,
			Prior:     task,
		})
		if err != nil {
			return planningError(err)
		}
		if iteration == 1 || plan.Graph.Len() > 0 {
			em.emit(stream.NodePlanner, map[string]any{
				"reasoning": plan.Reasoning,
				"plan":      nonNil(plan.Steps()),
				"iteration": iteration,
			})
		}

		if plan.Direct {
			return a.finishDirect(ctx, task, plan, em, out)
		}
		if plan.Graph.Len() == 0 {
			// 回环规划没有可执行的步骤，按当前台账降级结束。
			degraded = true
			em.emit(stream.NodeCritic, map[string]any{
				"reflection":  plan.Reasoning,
				"is_complete": true,
				"degraded":    true,
				"forced":      false,
				"iteration":   iteration,
			})
			break
		}

		obs := newObserver(em, iteration)
		_, runErr := a.executor.Run(ctx, plan.Graph, a.binder, task, obs)
		task.Record(plan.Graph)
		if runErr != nil {
			if ctx.Err() != nil {
				return cancelled(ctx.Err())
			}
			return systemError(runErr, "执行任务图失败")
		}

		v, err := a.judge.Judge(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx.Err())
			}
			return systemError(err, "评估执行结果失败")
		}
		if !v.IsComplete {
			em.emit(stream.NodeCritic, criticData(v, iteration))
			verdict = &v
			continue
		}
		if v.Degraded {
			degraded = true
			em.emit(stream.NodeCritic, criticData(v, iteration))
		}
		break
	}

	succeeded, total := originCounts(task)
	out.Succeeded, out.Total = succeeded, total
	if a.failOnEmpty && total > 0 && succeeded == 0 {
		return xerrors.New(xerrors.CodeIterationsExhausted,
			fmt.Sprintf("%d 轮迭代后 %d 个步骤均未成功", task.Iteration, total),
			xerrors.WithMetadata("iterations", fmt.Sprint(task.Iteration)),
			xerrors.WithMetadata("steps", fmt.Sprint(total)))
	}
	out.Degraded = degraded

	polishReq := llm.Request{Query: task.Query, Steps: finalOutputs(task), Degraded: degraded}
	answer := a.polish(ctx, task.SessionID, polishReq, out, func() string { return llm.Fallback(polishReq) })
	return a.finish(ctx, task, answer, em, out)
}

// finishDirect 处理无需工具的查询。
func (a *Agent) finishDirect(ctx context.Context, task *taskgraph.Task, plan *planner.Plan, em *emitter, out *Outcome) error {
	polishReq := llm.Request{Query: task.Query}
	answer := a.polish(ctx, task.SessionID, polishReq, out, func() string {
		return planner.DirectAnswer(plan.Kind, a.registry.Names())
	})
	return a.finish(ctx, task, answer, em, out)
}

// polish 在超时时间内调用润色器，失败时使用 fallback 的结果。
func (a *Agent) polish(ctx context.Context, sessionID string, req llm.Request, out *Outcome, fallback func() string) string {
	if a.polisher == nil {
		return fallback()
	}
	history, err := a.sessions.History(ctx, sessionID)
	if err != nil {
		a.logger.Warn("读取会话历史失败，润色时不附带历史", "session_id", sessionID, "error", err)
	}
	for _, m := range history {
		req.History = append(req.History, llm.HistoryEntry{Role: string(m.Role), Content: m.Content})
	}

	polishCtx, cancel := context.WithTimeout(ctx, a.polishTimeout)
	defer cancel()
	answer, err := a.polisher.Polish(polishCtx, req)
	if err != nil || strings.TrimSpace(answer) == "" {
		a.logger.Warn("润色失败，使用默认格式", "session_id", sessionID, "error", err)
		return fallback()
	}
	out.LLMCalls++
	return answer
}

// finish 保存会话消息，然后发出 fast_agent 与 done。
func (a *Agent) finish(ctx context.Context, task *taskgraph.Task, answer string, em *emitter, out *Outcome) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	now := a.now().UTC()
	err := a.sessions.Append(ctx, task.SessionID,
		session.Message{Role: session.RoleHuman, Content: task.Query, CreatedAt: now},
		session.Message{Role: session.RoleAI, Content: answer, CreatedAt: now})
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		return err
	}

	out.Answer = answer
	em.emit(stream.NodeFastAgent, map[string]any{
		"final_answer":  answer,
		"total_time_ms": a.now().Sub(task.CreatedAt).Milliseconds(),
		"llm_calls":     out.LLMCalls,
		"success_rate":  out.SuccessRate(),
		"is_complete":   true,
		"degraded":      out.Degraded,
		"iterations":    task.Iteration,
	})
	em.emit(stream.NodeDone, nil)
	return nil
}

// settle 记录任务终态、指标、审计日志与告警。
func (a *Agent) settle(ctx context.Context, task *taskgraph.Task, out *Outcome, err error) {
	switch {
	case err == nil && out.Degraded:
		task.Status = taskgraph.TaskDegraded
	case err == nil:
		task.Status = taskgraph.TaskCompleted
	case xerrors.CodeOf(err) == xerrors.CodeCancelled:
		task.Status = taskgraph.TaskCancelled
	default:
		task.Status = taskgraph.TaskFailed
	}
	out.Status = task.Status

	if a.recorder != nil {
		a.recorder.TaskFinished(task.Status, task.Iteration, out.Elapsed)
	}
	attrs := []any{
		"task_id", task.ID,
		"session_id", task.SessionID,
		"status", task.Status,
		"iterations", task.Iteration,
		"success_rate", out.SuccessRate(),
		"elapsed_ms", out.Elapsed.Milliseconds(),
	}
	if err != nil {
		attrs = append(attrs, "code", xerrors.CodeOf(err), "error", err)
	}
	logger.Audit().Info("任务结束", attrs...)

	if err == nil || a.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError(err, "agent")
	event.TaskID = task.ID
	event.SessionID = task.SessionID
	// 取消的请求上下文不应阻止告警发送。
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if alertErr := a.alerts.Notify(alertCtx, event); alertErr != nil {
		a.logger.Warn("发送告警失败", "task_id", task.ID, "error", alertErr)
	}
}

// originCounts 按起源步骤统计成功数与总数。
func originCounts(task *taskgraph.Task) (succeeded, total int) {
	seen := make(map[string]bool)
	for _, s := range task.Ledger() {
		if seen[s.Origin] {
			continue
		}
		seen[s.Origin] = true
		total++
		if _, ok := task.Succeeded(s.Origin); ok {
			succeeded++
		}
	}
	return succeeded, total
}

// finalOutputs 为每个起源步骤选出最终记录：优先最近一次成功，否则取最后一次尝试。
func finalOutputs(task *taskgraph.Task) []llm.StepOutput {
	var (
		origins []string
		latest  = make(map[string]*taskgraph.Step)
	)
	for _, s := range task.Ledger() {
		if _, ok := latest[s.Origin]; !ok {
			origins = append(origins, s.Origin)
		}
		latest[s.Origin] = s
	}
	out := make([]llm.StepOutput, 0, len(origins))
	for _, origin := range origins {
		rec := latest[origin]
		if ok, found := task.Succeeded(origin); found {
			rec = ok
		}
		out = append(out, llm.StepOutput{
			StepID:     rec.ID,
			Capability: rec.Capability,
			Succeeded:  rec.Status == taskgraph.StatusSucceeded,
			Output:     taskgraph.Render(rec.Result),
			Error:      xerrors.Summary(rec.Err),
		})
	}
	return out
}

func criticData(v critic.Verdict, iteration int) map[string]any {
	retry := make([]string, 0, len(v.Hint))
	for _, r := range v.Hint {
		retry = append(retry, fmt.Sprintf("%s(%s)", r.Origin, r.Capability))
	}
	return map[string]any{
		"reflection":  v.Reason,
		"is_complete": v.IsComplete,
		"degraded":    v.Degraded,
		"forced":      v.Forced,
		"iteration":   iteration,
		"retry":       retry,
	}
}

func planningError(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodePlanning, err, "规划失败")
}

func systemError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeSystem, err, message)
}

func cancelled(err error) error {
	if xerrors.CodeOf(err) == xerrors.CodeCancelled {
		return err
	}
	return xerrors.Wrap(xerrors.CodeCancelled, err, "任务已取消")
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
