package agent

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/stream"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

// maxEventOutput 是 executor 事件中单个步骤输出的最大字符数。
const maxEventOutput = 2000

// emitter 把事件写入日志，日志关闭后的写入只记录调试日志。
type emitter struct {
	log    *stream.Log
	logger *slog.Logger
}

func (e *emitter) emit(node stream.Node, data map[string]any) {
	if e.log == nil {
		return
	}
	if _, err := e.log.Emit(node, data); err != nil {
		e.logger.Debug("事件未写入", "node", node, "error", err)
	}
}

// fail 发出唯一的 error 事件。
func (e *emitter) fail(err error) {
	details := xerrors.Details(err)
	if xerrors.CodeOf(err) == xerrors.CodeCancelled {
		details["reason"] = "cancelled"
	}
	e.emit(stream.NodeError, map[string]any{
		"message": xerrors.UserMessage(err),
		"details": details,
	})
}

// observer 把执行器的步骤状态转换为 executor 事件。
type observer struct {
	em        *emitter
	iteration int
}

func newObserver(em *emitter, iteration int) *observer {
	return &observer{em: em, iteration: iteration}
}

func (o *observer) StepStarted(s *taskgraph.Step) {
	o.em.logger.Debug("步骤开始", "step_id", s.ID, "capability", s.Capability)
}

func (o *observer) StepFinished(s *taskgraph.Step) {
	data := map[string]any{
		"tool":       s.Capability,
		"step_id":    s.ID,
		"status":     string(s.Status),
		"attempts":   s.Attempts,
		"elapsed_ms": s.Elapsed.Milliseconds(),
		"iteration":  o.iteration,
	}
	if s.Status == taskgraph.StatusSucceeded {
		data["output"] = clip(taskgraph.Render(s.Result), maxEventOutput)
	} else {
		data["output"] = "❌ " + xerrors.Summary(s.Err)
		data["error"] = string(xerrors.CodeOf(s.Err))
	}
	o.em.emit(stream.NodeExecutor, data)
}

// TickFinished 在同一节拍有多个步骤时发出汇总事件，它总在这些步骤的事件之后。
func (o *observer) TickFinished(tick int, steps []*taskgraph.Step) {
	if len(steps) < 2 {
		return
	}
	ids := make([]string, 0, len(steps))
	ok := 0
	for _, s := range steps {
		ids = append(ids, s.ID)
		if s.Status == taskgraph.StatusSucceeded {
			ok++
		}
	}
	o.em.emit(stream.NodeExecutor, map[string]any{
		"tool":      "parallel",
		"barrier":   true,
		"tick":      tick,
		"steps":     ids,
		"iteration": o.iteration,
		"output":    fmt.Sprintf("第 %d 批并行步骤完成: %d/%d 成功", tick, ok, len(steps)),
	})
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "...(已截断)"
}
