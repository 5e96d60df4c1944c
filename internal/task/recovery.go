package task

import (
	"context"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

// RecoveryHandler 定义作业不可重试地失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 根据失败原因与已产生的部分结果决定是否降级完成。
	// 返回非 nil 的结果时作业以该结果成功结束；返回 nil 则继续按失败处理。
	Recover(ctx context.Context, task *Task, partial *ExecutionResult, cause error) (*ExecutionResult, error)
}

// DegradeRecovery 对指定错误码的失败保留事件日志，并以降级结果结束作业。
type DegradeRecovery struct {
	Codes []xerrors.Code
}

// Recover 实现 RecoveryHandler。
func (r DegradeRecovery) Recover(_ context.Context, _ *Task, partial *ExecutionResult, cause error) (*ExecutionResult, error) {
	code := xerrors.CodeOf(cause)
	for _, c := range r.Codes {
		if c != code {
			continue
		}
		result := ExecutionResult{}
		if partial != nil {
			result = *partial
		}
		result.Degraded = true
		if result.Answer == "" {
			result.Answer = xerrors.UserMessage(cause)
		}
		return &result, nil
	}
	return nil, nil
}
