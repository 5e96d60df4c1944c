// Package dispatch 负责在步骤执行前解析跨步骤引用并校验参数。
package dispatch

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

var (
	refPattern   = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}\.result`)
	wholePattern = regexp.MustCompile(`^\{([A-Za-z0-9_.\-]+)\}\.result$`)
)

// ResultSource 提供前几轮迭代中已结束步骤的记录。
type ResultSource interface {
	Lookup(id string) (*taskgraph.Step, bool)
}

// Binding 是步骤绑定后的可执行形态。
type Binding struct {
	Capability *capability.Capability
	Args       map[string]any
}

// Dispatcher 绑定步骤与能力。
type Dispatcher struct {
	registry *capability.Registry
}

// New 创建 Dispatcher。
func New(registry *capability.Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Bind 替换 {stepId}.result 引用并按能力 schema 校验参数。
// 所有失败都返回 VALIDATION 错误，只影响当前步骤。
func (d *Dispatcher) Bind(step *taskgraph.Step, graph *taskgraph.Graph, prior ResultSource) (*Binding, error) {
	target, err := d.registry.Resolve(step.Capability)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("步骤 %s 绑定的能力不可用", step.ID),
			xerrors.WithMetadata("step_id", step.ID))
	}

	r := resolver{step: step, graph: graph, prior: prior}
	resolved := taskgraph.CloneArgs(step.Args)
	if resolved == nil {
		resolved = map[string]any{}
	}
	r.value(resolved)
	if r.err != nil {
		return nil, r.err
	}

	args, err := target.Schema().Validate(resolved)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("步骤 %s 参数不符合 %s 的声明", step.ID, target.Name()),
			xerrors.WithMetadata("step_id", step.ID))
	}
	return &Binding{Capability: target, Args: args}, nil
}

// References 返回参数中引用到的步骤 ID（按出现顺序去重）。
func References(args map[string]any) []string {
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(t, -1) {
				if !slices.Contains(refs, m[1]) {
					refs = append(refs, m[1])
				}
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(args)
	return refs
}

// Reference 生成指向某个步骤结果的引用文本。
func Reference(stepID string) string {
	return "{" + stepID + "}.result"
}

// Rewrite 返回参数副本，其中对 from 的引用改为指向 to。
func Rewrite(args map[string]any, from, to string) map[string]any {
	old, next := Reference(from), Reference(to)
	var walk func(v any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			return strings.ReplaceAll(t, old, next)
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, item := range t {
				out[k] = walk(item)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, item := range t {
				out[i] = walk(item)
			}
			return out
		default:
			return v
		}
	}
	if args == nil {
		return nil
	}
	return walk(args).(map[string]any)
}

type resolver struct {
	step  *taskgraph.Step
	graph *taskgraph.Graph
	prior ResultSource
	err   error
}

func (r *resolver) value(v any) any {
	if r.err != nil {
		return v
	}
	switch t := v.(type) {
	case string:
		return r.text(t)
	case map[string]any:
		for k, item := range t {
			t[k] = r.value(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = r.value(item)
		}
		return t
	default:
		return v
	}
}

func (r *resolver) text(s string) any {
	if m := wholePattern.FindStringSubmatch(s); m != nil {
		result, err := r.lookup(m[1])
		if err != nil {
			r.err = err
			return s
		}
		return result
	}
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		id := refPattern.FindStringSubmatch(match)[1]
		result, err := r.lookup(id)
		if err != nil {
			if r.err == nil {
				r.err = err
			}
			return match
		}
		return taskgraph.Render(result)
	})
}

func (r *resolver) lookup(id string) (any, error) {
	if dep, ok := r.graph.Step(id); ok {
		if !slices.Contains(r.step.DependsOn, id) {
			return nil, r.fail(id, "引用了未声明为依赖的步骤")
		}
		if dep.Status != taskgraph.StatusSucceeded {
			return nil, r.fail(id, fmt.Sprintf("依赖步骤状态为 %s", dep.Status))
		}
		return dep.Result, nil
	}
	if r.prior != nil {
		if rec, ok := r.prior.Lookup(id); ok {
			if rec.Status != taskgraph.StatusSucceeded {
				return nil, r.fail(id, "引用的历史步骤未成功")
			}
			return rec.Result, nil
		}
	}
	return nil, r.fail(id, "引用无法解析")
}

func (r *resolver) fail(ref, reason string) error {
	return xerrors.New(xerrors.CodeValidation,
		fmt.Sprintf("步骤 %s 的参数引用 %s：%s", r.step.ID, Reference(ref), reason),
		xerrors.WithMetadata("step_id", r.step.ID),
		xerrors.WithMetadata("reference", ref))
}
