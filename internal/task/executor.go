package task

import (
	"context"

	"github.com/Lewis121025/MAX-AI/internal/agent"
	"github.com/Lewis121025/MAX-AI/internal/stream"
)

// Executor 执行一个已领取的作业。出错时仍可返回部分结果（例如已产生的事件）。
type Executor interface {
	Execute(ctx context.Context, job *Task) (*ExecutionResult, error)
}

// AgentExecutor 用 Agent 执行作业并保留完整的事件日志。
type AgentExecutor struct {
	Agent *agent.Agent
}

// Execute 实现 Executor。
func (e AgentExecutor) Execute(ctx context.Context, job *Task) (*ExecutionResult, error) {
	log := stream.NewLog()
	out, err := e.Agent.Run(ctx, agent.Request{Query: job.Query, SessionID: job.SessionID}, log)
	result := &ExecutionResult{Events: log.Events()}
	if out != nil {
		result.Answer = out.Answer
		result.Degraded = out.Degraded
		result.Iterations = out.Iterations
		result.LLMCalls = out.LLMCalls
		result.SuccessRate = out.SuccessRate()
	}
	return result, err
}
