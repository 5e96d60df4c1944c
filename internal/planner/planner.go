// Package planner 用有序的规则表把查询确定性地分解为任务图。
//
// 相同的查询与相同的能力注册状态总是产生相同的任务图；规划过程不调用任何语言模型。
package planner

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/internal/critic"
	"github.com/Lewis121025/MAX-AI/internal/dispatch"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

// Ledger 提供之前各轮的步骤记录，用于回环规划时重映射依赖。
type Ledger interface {
	Lookup(id string) (*taskgraph.Step, bool)
	Succeeded(origin string) (*taskgraph.Step, bool)
}

// Request 是一次规划的输入。
type Request struct {
	Query     string
	Iteration int
	Uploads   []string
	// Verdict 非空且未完成时进入回环规划，只追加提示中的步骤。
	Verdict *critic.Verdict
	Prior   Ledger
}

// Plan 是规划结果。Direct 为 true 时不需要调用任何工具。
type Plan struct {
	Graph     *taskgraph.Graph
	Direct    bool
	Reasoning string
	// Kind 是直接回答的查询类型：greeting、thanks、identity 或 question。
	Kind string
}

// Steps 返回步骤的确定性描述。
func (p *Plan) Steps() []string {
	if p == nil {
		return nil
	}
	return p.Graph.Descriptions()
}

// Option 调整 Planner。
type Option func(*Planner)

// WithRules 设置自定义规则，优先于内置规则匹配。
func WithRules(rules ...Rule) Option {
	return func(p *Planner) { p.SetRules(rules) }
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// Planner 是确定性规划器。
type Planner struct {
	registry *capability.Registry
	rules    []Rule
	custom   atomic.Pointer[[]Rule]
	logger   *slog.Logger
}

// SetRules 原子地替换自定义规则，正在进行的规划不受影响。
func (p *Planner) SetRules(rules []Rule) {
	cp := append([]Rule(nil), rules...)
	p.custom.Store(&cp)
}

// New 创建规划器，registry 用于检查命中规则所需的能力是否存在。
func New(registry *capability.Registry, opts ...Option) *Planner {
	p := &Planner{
		registry: registry,
		rules:    DefaultRules(),
		logger:   logger.Named("planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan 为一次迭代生成任务图。
func (p *Planner) Plan(req Request) (*Plan, error) {
	if req.Iteration < 1 {
		req.Iteration = 1
	}
	if req.Verdict != nil && !req.Verdict.IsComplete {
		return p.replan(req)
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodePlanning, "查询内容为空")
	}
	ctx := Context{Query: query, Uploads: req.Uploads}

	segs := p.segments(query, ctx)
	if len(segs) == 0 {
		if kind := directKind(query); kind != "" {
			p.logger.Debug("查询无需工具", "kind", kind)
			return &Plan{Graph: taskgraph.Empty(), Direct: true, Reasoning: directReasoning(kind), Kind: kind}, nil
		}
		return nil, xerrors.New(xerrors.CodePlanning, "无法将查询分解为可执行的步骤",
			xerrors.WithMetadata("query", truncate(query, 80)))
	}

	var (
		steps    []*taskgraph.Step
		previous []string
		used     []string
		chained  int
	)
	for _, seg := range segs {
		input := ""
		if seg.rel == sequential && len(previous) > 0 {
			input = dispatch.Reference(previous[len(previous)-1])
		}
		rule, argsList := p.match(seg.text, ctx, input)
		if rule == nil {
			continue
		}
		if p.registry == nil || !p.registry.Has(rule.Capability) {
			return nil, xerrors.New(xerrors.CodePlanning,
				fmt.Sprintf("该请求需要能力 %s，但当前未注册", rule.Capability),
				xerrors.WithMetadata("capability", rule.Capability),
				xerrors.WithMetadata("fragment", truncate(seg.text, 80)))
		}

		ids := make([]string, 0, len(argsList))
		for _, args := range argsList {
			id := stepID(req.Iteration, len(steps)+1)
			deps := dependencies(args, steps)
			if len(deps) > 0 {
				chained++
			}
			steps = append(steps, &taskgraph.Step{
				ID:          id,
				Capability:  rule.Capability,
				Args:        args,
				DependsOn:   deps,
				Description: seg.text,
				Iteration:   req.Iteration,
			})
			ids = append(ids, id)
		}
		previous = ids
		used = append(used, rule.Capability)
	}

	g, err := taskgraph.New(steps)
	if err != nil {
		return nil, err
	}
	reasoning := fmt.Sprintf("识别出 %d 个子任务（%s）", len(segs), strings.Join(used, ", "))
	if chained > 0 {
		reasoning += fmt.Sprintf("，其中 %d 个依赖前一步的结果", chained)
	}
	p.logger.Debug("规划完成", "iteration", req.Iteration, "steps", g.Len())
	return &Plan{Graph: g, Reasoning: reasoning}, nil
}

// replan 只根据评估提示追加步骤：沿用起源 ID，提示集合内的依赖指向新步骤，
// 已成功的依赖改为引用台账中的成功记录。
func (p *Planner) replan(req Request) (*Plan, error) {
	hint := req.Verdict.Hint
	if len(hint) == 0 {
		return &Plan{Graph: taskgraph.Empty(), Reasoning: "评估没有给出可重试的步骤"}, nil
	}

	renamed := make(map[string]string, len(hint))
	dropped := make(map[string]bool)
	var steps []*taskgraph.Step
	for _, r := range hint {
		if p.registry == nil || !p.registry.Has(r.Capability) {
			p.logger.Warn("重试所需能力未注册，放弃该步骤", "origin", r.Origin, "capability", r.Capability)
			dropped[r.Origin] = true
			continue
		}
		id := stepID(req.Iteration, len(steps)+1)
		args := taskgraph.CloneArgs(r.Args)
		var deps []string
		skip := false
		for _, depID := range r.DependsOn {
			origin := depID
			if req.Prior != nil {
				if rec, ok := req.Prior.Lookup(depID); ok {
					origin = rec.Origin
				}
			}
			if dropped[origin] {
				skip = true
				break
			}
			if next, ok := renamed[origin]; ok {
				deps = append(deps, next)
				args = dispatch.Rewrite(args, depID, next)
				continue
			}
			if req.Prior != nil {
				if rec, ok := req.Prior.Succeeded(origin); ok && rec.ID != depID {
					args = dispatch.Rewrite(args, depID, rec.ID)
				}
			}
		}
		if skip {
			dropped[r.Origin] = true
			continue
		}
		renamed[r.Origin] = id
		steps = append(steps, &taskgraph.Step{
			ID:          id,
			Capability:  r.Capability,
			Args:        args,
			DependsOn:   deps,
			Description: r.Reason,
			Origin:      r.Origin,
			Iteration:   req.Iteration,
		})
	}

	g, err := taskgraph.New(steps)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Graph:     g,
		Reasoning: fmt.Sprintf("第 %d 轮：根据评估重试 %d 个步骤", req.Iteration, g.Len()),
	}, nil
}

// match 返回第一个适用的规则及其参数。
func (p *Planner) match(fragment string, ctx Context, input string) (*Rule, []map[string]any) {
	var custom []Rule
	if c := p.custom.Load(); c != nil {
		custom = *c
	}
	for _, table := range [][]Rule{custom, p.rules} {
		for i := range table {
			r := &table[i]
			if args := r.Build(fragment, ctx, input); len(args) > 0 {
				return r, args
			}
		}
	}
	return nil, nil
}

// dependencies 从参数中的引用推导依赖，只保留同一张图内已有的步骤。
func dependencies(args map[string]any, steps []*taskgraph.Step) []string {
	var deps []string
	for _, ref := range dispatch.References(args) {
		for _, s := range steps {
			if s.ID == ref {
				deps = append(deps, ref)
				break
			}
		}
	}
	return deps
}

func stepID(iteration, n int) string {
	return fmt.Sprintf("it%d-step%d", iteration, n)
}

func directReasoning(kind string) string {
	switch kind {
	case "greeting":
		return "问候语，无需调用工具，直接回答"
	case "thanks":
		return "致谢，无需调用工具，直接回答"
	case "identity":
		return "询问助手能力，直接介绍"
	default:
		return "一般性问题，无需调用工具，直接回答"
	}
}

// DirectAnswer 返回无需工具、且没有可用语言模型时的固定回答。
func DirectAnswer(kind string, capabilities []string) string {
	switch kind {
	case "greeting":
		return "你好！我是 MAX-AI 智能助手，可以帮你搜索信息、计算、分析数据和处理文件。请告诉我你需要什么帮助。"
	case "thanks":
		return "不客气！如果还有其它问题，随时告诉我。"
	case "identity":
		text := "我是 MAX-AI 智能助手，会把你的问题拆解为多个步骤，并行调用工具后汇总答案。"
		if len(capabilities) > 0 {
			text += "\n\n当前可用的能力: " + strings.Join(capabilities, ", ")
		}
		return text
	default:
		return "这个问题不需要调用工具，但当前没有配置语言模型，无法直接回答。请尝试描述需要执行的具体操作，例如搜索或计算。"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
