package taskgraph

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status 表示步骤在执行状态机中的位置。
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Step 是任务图中的一个工具调用单元。
type Step struct {
	ID          string         `json:"id"`
	Capability  string         `json:"capability"`
	Args        map[string]any `json:"args,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Description string         `json:"description,omitempty"`
	// Origin 指向该步骤所重试的最初步骤，首次规划的步骤等于自身 ID。
	Origin    string `json:"origin"`
	Iteration int    `json:"iteration"`

	Status   Status        `json:"status"`
	Result   any           `json:"result,omitempty"`
	Err      error         `json:"-"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Clone 返回步骤的深拷贝（参数 map 与依赖列表独立）。
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Args = CloneArgs(s.Args)
	if s.DependsOn != nil {
		dup.DependsOn = append([]string(nil), s.DependsOn...)
	}
	return &dup
}

// ErrorText 返回步骤错误的文本，便于序列化。
func (s *Step) ErrorText() string {
	if s == nil || s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Describe 生成确定性的步骤描述，例如 it1-step1: intelligent_search(max_results=5, query=go)。
func (s *Step) Describe() string {
	keys := make([]string, 0, len(s.Args))
	for k := range s.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, s.Args[k]))
	}
	desc := fmt.Sprintf("%s: %s(%s)", s.ID, s.Capability, strings.Join(parts, ", "))
	if len(s.DependsOn) > 0 {
		desc += " <- " + strings.Join(s.DependsOn, ", ")
	}
	return desc
}

// CloneArgs 深拷贝参数，嵌套的 map 与切片同样复制。
func CloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneArgs(t)
	case []any:
		dup := make([]any, len(t))
		for i, item := range t {
			dup[i] = cloneValue(item)
		}
		return dup
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
