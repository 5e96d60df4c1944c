package task

import (
	"context"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

// Store 抽象了作业状态的持久化接口。
type Store interface {
	// Create 插入新作业，ID 已存在时返回 ErrTaskConflict。
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把 pending 且仍有尝试次数的作业标记为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败原因，terminal 为 false 时作业回到 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

// claimError 根据作业当前状态给出无法领取的原因。
func claimError(t *Task) error {
	switch {
	case t.Status == StatusSucceeded:
		return ErrTaskCompleted
	case t.Status == StatusRunning:
		return ErrTaskConflict
	case t.Status == StatusFailed, t.Attempts >= t.MaxRetries:
		return ErrTaskExhausted
	default:
		return ErrTaskConflict
	}
}
