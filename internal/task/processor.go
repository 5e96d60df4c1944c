package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/observability/alerting"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

// 作业处理结果，用于指标标签。
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRecovered = "recovered"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// JobRecorder 记录作业处理结果。
type JobRecorder interface {
	JobFinished(outcome string)
}

// Processor 从队列消费作业并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	recorder    JobRecorder
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithJobRecorder 配置作业指标。
func WithJobRecorder(r JobRecorder) ProcessorOption {
	return func(p *Processor) { p.recorder = r }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动作业处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个作业。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过作业", "task_id", taskID, "reason", err.Error())
			return nil
		}
		p.logger.Error("领取作业失败", "task_id", taskID, "error", err)
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, job)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, result, execErr)
	}
	if result == nil {
		result = &ExecutionResult{}
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, *result); err != nil {
		p.logger.Error("标记作业成功失败", "task_id", job.ID, "error", err)
		return p.handleExecutionFailure(ctx, job, result, err)
	}
	p.record(OutcomeSucceeded)
	logger.Audit().Info("作业执行成功",
		slog.String("task_id", job.ID),
		slog.String("session_id", job.SessionID),
		slog.Int("attempts", job.Attempts),
		slog.Bool("degraded", result.Degraded),
		slog.String("success_rate", result.SuccessRate),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Task, partial *ExecutionResult, execErr error) error {
	// 进程退出导致的取消不计入失败，作业回到 pending 等待恢复。
	if ctx.Err() != nil {
		bg := context.WithoutCancel(ctx)
		if err := p.store.MarkFailed(bg, job.ID, xerrors.CodeCancelled, execErr.Error(), false); err != nil {
			p.logger.Error("回写取消状态失败", "task_id", job.ID, "error", err)
		}
		return nil
	}

	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, job, partial, execErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "作业补偿失败")
			p.logger.Error("执行补偿逻辑失败", "task_id", job.ID, "error", wrapped)
			p.emitAlert(ctx, job, CodeTaskCompensate, wrapped, "compensate")
		case fallback != nil:
			if err := p.store.MarkSucceeded(ctx, job.ID, *fallback); err != nil {
				p.logger.Error("记录降级结果失败", "task_id", job.ID, "error", err)
				break
			}
			p.record(OutcomeRecovered)
			logger.Audit().Warn("作业降级完成",
				slog.String("task_id", job.ID),
				slog.String("error_code", string(code)),
			)
			p.emitAlert(ctx, job, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记作业失败状态出错", "task_id", job.ID, "error", storeErr)
		return storeErr
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("task_id", job.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	switch {
	case terminal && !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "terminal"
	}
	p.emitAlert(ctx, job, code, execErr, stage)

	if terminal {
		p.record(OutcomeFailed)
		return nil
	}
	p.record(OutcomeRetried)
	if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("作业 %s 重投失败", job.ID))
	}
	p.logger.Debug("作业已重新排队", "task_id", job.ID, "attempts", job.Attempts)
	return nil
}

func (p *Processor) record(outcome string) {
	if p.recorder != nil {
		p.recorder.JobFinished(outcome)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert && !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		Stage:      stage,
		TaskID:     job.ID,
		SessionID:  job.SessionID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", "task_id", job.ID, "stage", stage, "error", err)
	}
}
