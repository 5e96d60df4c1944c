// Package critic 判断累积的步骤结果是否已经满足查询，并决定是否再规划一轮。
package critic

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

// DefaultMaxIterations 是未配置时允许的最大规划轮数。
const DefaultMaxIterations = 3

// Retry 描述下一轮需要追加的一个步骤。
type Retry struct {
	// Origin 是最初规划的步骤 ID，重试步骤沿用它。
	Origin     string
	Capability string
	Args       map[string]any
	// DependsOn 是被重试记录原有的依赖 ID。
	DependsOn []string
	Reason    string
}

// Verdict 是一次评估的结论，只被消费一次。
type Verdict struct {
	IsComplete bool
	Degraded   bool
	Forced     bool
	Reason     string
	Hint       []Retry
}

// Judge 评估任务当前的台账。
type Judge interface {
	Judge(ctx context.Context, task *taskgraph.Task) (Verdict, error)
}

// Deterministic 按起源步骤分组判断完成度：每个起源都有成功记录即完成。
type Deterministic struct {
	fallbacks map[string]string
}

// NewDeterministic 创建确定性评估器，fallbacks 为能力到备用能力的映射。
func NewDeterministic(fallbacks map[string]string) *Deterministic {
	fb := make(map[string]string, len(fallbacks))
	for k, v := range fallbacks {
		if k != "" && v != "" && k != v {
			fb[k] = v
		}
	}
	return &Deterministic{fallbacks: fb}
}

// Judge 实现 Judge。
func (d *Deterministic) Judge(ctx context.Context, task *taskgraph.Task) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	origins, latest := group(task.Ledger())
	if len(origins) == 0 {
		return Verdict{IsComplete: true, Degraded: true, Reason: "没有可评估的步骤"}, nil
	}

	var pending []string
	for _, origin := range origins {
		if _, ok := task.Succeeded(origin); !ok {
			pending = append(pending, origin)
		}
	}
	if len(pending) == 0 {
		return Verdict{IsComplete: true, Reason: fmt.Sprintf("全部 %d 个步骤均已成功", len(origins))}, nil
	}

	retrying := make(map[string]bool, len(pending))
	var hint []Retry
	for _, origin := range pending {
		rec := latest[origin]
		retry, ok := d.retryFor(task, rec, retrying)
		if !ok {
			continue
		}
		retrying[origin] = true
		hint = append(hint, retry)
	}

	if len(hint) == 0 {
		return Verdict{
			IsComplete: true,
			Degraded:   true,
			Reason:     fmt.Sprintf("%d/%d 个步骤未成功且无法恢复", len(pending), len(origins)),
		}, nil
	}

	names := make([]string, 0, len(hint))
	for _, r := range hint {
		names = append(names, fmt.Sprintf("%s(%s)", r.Origin, r.Capability))
	}
	return Verdict{
		Reason: fmt.Sprintf("%d/%d 个步骤未成功，下一轮重试: %s", len(pending), len(origins), strings.Join(names, ", ")),
		Hint:   hint,
	}, nil
}

func (d *Deterministic) retryFor(task *taskgraph.Task, rec *taskgraph.Step, retrying map[string]bool) (Retry, bool) {
	retry := Retry{
		Origin:     rec.Origin,
		Capability: rec.Capability,
		Args:       taskgraph.CloneArgs(rec.Args),
		DependsOn:  append([]string(nil), rec.DependsOn...),
	}
	switch rec.Status {
	case taskgraph.StatusFailed:
		if recoverable(rec.Err) {
			retry.Reason = "可重试的失败: " + xerrors.Summary(rec.Err)
			return retry, true
		}
		if fb, ok := d.fallbacks[rec.Capability]; ok {
			retry.Capability = fb
			retry.Reason = fmt.Sprintf("改用备用能力 %s", fb)
			return retry, true
		}
		return Retry{}, false
	case taskgraph.StatusSkipped:
		// 只有当阻塞它的依赖都会被重试或已经成功时，跳过的步骤才值得重排。
		for _, depID := range rec.DependsOn {
			dep, ok := task.Lookup(depID)
			if !ok {
				return Retry{}, false
			}
			if _, done := task.Succeeded(dep.Origin); done {
				continue
			}
			if !retrying[dep.Origin] {
				return Retry{}, false
			}
		}
		retry.Reason = "依赖步骤将被重试"
		return retry, true
	default:
		return Retry{}, false
	}
}

// group 按首次出现顺序列出起源，并取每个起源最后一条记录。
func group(ledger []*taskgraph.Step) ([]string, map[string]*taskgraph.Step) {
	var origins []string
	latest := make(map[string]*taskgraph.Step)
	for _, s := range ledger {
		if _, seen := latest[s.Origin]; !seen {
			origins = append(origins, s.Origin)
		}
		latest[s.Origin] = s
	}
	return origins, latest
}

// recoverable 判断错误链上是否存在可重试的错误，例如重试耗尽后包裹的超时。
func recoverable(err error) bool {
	for err != nil {
		var e *xerrors.Error
		if !stdErrors.As(err, &e) {
			return false
		}
		if e.Retryable() {
			return true
		}
		err = e.Unwrap()
	}
	return false
}

// Bounded 限制规划轮数，达到上限后强制完成并标记为降级。
type Bounded struct {
	inner Judge
	max   int
}

// NewBounded 包装 inner，limit 小于 1 时使用 DefaultMaxIterations。
func NewBounded(inner Judge, limit int) *Bounded {
	if limit < 1 {
		limit = DefaultMaxIterations
	}
	return &Bounded{inner: inner, max: limit}
}

// Max 返回最大轮数。
func (b *Bounded) Max() int { return b.max }

// Judge 实现 Judge。
func (b *Bounded) Judge(ctx context.Context, task *taskgraph.Task) (Verdict, error) {
	v, err := b.inner.Judge(ctx, task)
	if err != nil {
		return Verdict{}, err
	}
	if !v.IsComplete && task.Iteration >= b.max {
		v.IsComplete = true
		v.Forced = true
		v.Degraded = true
		v.Hint = nil
		v.Reason = fmt.Sprintf("%s；已达到最大迭代次数 %d，结束任务", v.Reason, b.max)
	}
	return v, nil
}
