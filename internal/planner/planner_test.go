package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/internal/critic"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

func registry(t *testing.T, names ...string) *capability.Registry {
	t.Helper()
	noop := capability.InvokerFunc(func(context.Context, map[string]any) (any, error) { return "ok", nil })
	reg := capability.NewRegistry()
	for _, name := range names {
		require.NoError(t, reg.Register(name, capability.Schema{AllowExtra: true}, noop, time.Second))
	}
	reg.Seal()
	return reg
}

func allCapabilities(t *testing.T) *capability.Registry {
	return registry(t, "intelligent_search", "calculator", "data_analysis", "file_operations", "web_fetch", "vision_analysis")
}

func TestPlanSingleSearch(t *testing.T) {
	p := New(registry(t, "intelligent_search"))

	plan, err := p.Plan(Request{Query: "search for golang generics", Iteration: 1})
	require.NoError(t, err)
	require.False(t, plan.Direct)
	require.Equal(t, 1, plan.Graph.Len())

	s := plan.Graph.Steps()[0]
	assert.Equal(t, "it1-step1", s.ID)
	assert.Equal(t, "intelligent_search", s.Capability)
	assert.Equal(t, map[string]any{"query": "golang generics", "max_results": 5}, s.Args)
	assert.Empty(t, s.DependsOn)
}

func TestPlanIsDeterministic(t *testing.T) {
	p := New(allCapabilities(t))
	req := Request{Query: "搜索 Go 1.24 新特性，然后分析结果；计算 12*(3+4)", Iteration: 1}

	first, err := p.Plan(req)
	require.NoError(t, err)
	second, err := p.Plan(req)
	require.NoError(t, err)

	assert.Equal(t, first.Graph.Steps(), second.Graph.Steps())
	assert.Equal(t, first.Steps(), second.Steps())
	assert.Equal(t, first.Reasoning, second.Reasoning)
}

func TestPlanIndependentFragmentsRunInParallel(t *testing.T) {
	p := New(allCapabilities(t))

	plan, err := p.Plan(Request{Query: "search rust async and analyze sales.csv", Iteration: 1})
	require.NoError(t, err)
	require.Equal(t, 2, plan.Graph.Len())

	steps := plan.Graph.Steps()
	assert.Equal(t, "intelligent_search", steps[0].Capability)
	assert.Equal(t, "data_analysis", steps[1].Capability)
	assert.Equal(t, map[string]any{"file_path": "sales.csv"}, steps[1].Args)
	assert.Empty(t, steps[0].DependsOn)
	assert.Empty(t, steps[1].DependsOn)
}

func TestPlanSequentialFragmentConsumesPreviousResult(t *testing.T) {
	p := New(allCapabilities(t))

	plan, err := p.Plan(Request{Query: "search go release notes then analyze the results", Iteration: 1})
	require.NoError(t, err)
	require.Equal(t, 2, plan.Graph.Len())

	second := plan.Graph.Steps()[1]
	assert.Equal(t, "data_analysis", second.Capability)
	assert.Equal(t, map[string]any{"data": "{it1-step1}.result"}, second.Args)
	assert.Equal(t, []string{"it1-step1"}, second.DependsOn)
	assert.Contains(t, plan.Reasoning, "依赖前一步")
}

func TestPlanMergesUnmatchedFragment(t *testing.T) {
	p := New(allCapabilities(t))

	plan, err := p.Plan(Request{Query: "search cats and dogs", Iteration: 1})
	require.NoError(t, err)
	require.Equal(t, 1, plan.Graph.Len())
	assert.Equal(t, "cats and dogs", plan.Graph.Steps()[0].Args["query"])
}

func TestPlanRangeSum(t *testing.T) {
	p := New(allCapabilities(t))

	plan, err := p.Plan(Request{Query: "计算1到100的和", Iteration: 1})
	require.NoError(t, err)
	require.Equal(t, 1, plan.Graph.Len())
	assert.Equal(t, "(1+100)*(100-1+1)/2", plan.Graph.Steps()[0].Args["expression"])
}

func TestPlanRangeSumRejectsOverflowingBounds(t *testing.T) {
	_, _, ok := expression("sum 1 to 99999999999999999999")
	assert.False(t, ok)

	expr, _, ok := expression("sum 1 to 10")
	require.True(t, ok)
	assert.Equal(t, "(1+10)*(10-1+1)/2", expr)

	p := New(allCapabilities(t))
	plan, err := p.Plan(Request{Query: "计算1到99999999999999999999的和", Iteration: 1})
	if err == nil {
		for _, s := range plan.Graph.Steps() {
			if expr, ok := s.Args["expression"].(string); ok {
				assert.NotContains(t, expr, "9223372036854775807")
			}
		}
	}
}

func TestPlanUnregisteredCapabilityFails(t *testing.T) {
	p := New(registry(t, "intelligent_search"))

	_, err := p.Plan(Request{Query: "run this python: print(1)", Iteration: 1})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePlanning, xerrors.CodeOf(err))
	xe, _ := xerrors.From(err)
	assert.Equal(t, "code_execution", xe.Metadata()["capability"])
}

func TestPlanDirectAnswer(t *testing.T) {
	p := New(allCapabilities(t))

	for _, q := range []string{"你好", "Hello!", "谢谢你", "你是谁", "what is the capital of France?"} {
		plan, err := p.Plan(Request{Query: q, Iteration: 1})
		require.NoError(t, err, q)
		assert.True(t, plan.Direct, q)
		assert.Equal(t, 0, plan.Graph.Len(), q)
		assert.NotEmpty(t, plan.Kind, q)
	}
}

func TestDirectAnswerListsCapabilities(t *testing.T) {
	text := DirectAnswer("identity", []string{"calculator", "intelligent_search"})
	assert.Contains(t, text, "calculator, intelligent_search")
	assert.NotEqual(t, DirectAnswer("greeting", nil), DirectAnswer("question", nil))
}

func TestPlanNoRuleAndNoDirectAnswer(t *testing.T) {
	p := New(allCapabilities(t))

	_, err := p.Plan(Request{Query: "blah blah blah", Iteration: 1})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePlanning, xerrors.CodeOf(err))

	_, err = p.Plan(Request{Query: "   ", Iteration: 1})
	assert.Equal(t, xerrors.CodePlanning, xerrors.CodeOf(err))
}

func TestPlanVisionForUploadedImages(t *testing.T) {
	p := New(allCapabilities(t))

	plan, err := p.Plan(Request{Query: "这张图里有几只猫", Iteration: 1, Uploads: []string{"uploads/cat.png"}})
	require.NoError(t, err)
	require.Equal(t, 1, plan.Graph.Len())
	s := plan.Graph.Steps()[0]
	assert.Equal(t, "vision_analysis", s.Capability)
	assert.Equal(t, "uploads/cat.png", s.Args["image_path"])
}

func TestReplanRetriesHintAndRemapsDependencies(t *testing.T) {
	task := taskgraph.NewTask("t", "q", "s")
	g, err := taskgraph.New([]*taskgraph.Step{
		{ID: "it1-step1", Capability: "intelligent_search", Args: map[string]any{"query": "go"}, Status: taskgraph.StatusFailed},
		{ID: "it1-step2", Capability: "data_analysis", Args: map[string]any{"data": "{it1-step1}.result"},
			DependsOn: []string{"it1-step1"}, Status: taskgraph.StatusSkipped},
	})
	require.NoError(t, err)
	task.Record(g)

	verdict := &critic.Verdict{Hint: []critic.Retry{
		{Origin: "it1-step1", Capability: "intelligent_search", Args: map[string]any{"query": "go"}},
		{Origin: "it1-step2", Capability: "data_analysis", Args: map[string]any{"data": "{it1-step1}.result"},
			DependsOn: []string{"it1-step1"}},
	}}

	plan, err := New(allCapabilities(t)).Plan(Request{Query: "q", Iteration: 2, Verdict: verdict, Prior: task})
	require.NoError(t, err)
	require.Equal(t, 2, plan.Graph.Len())

	steps := plan.Graph.Steps()
	assert.Equal(t, "it2-step1", steps[0].ID)
	assert.Equal(t, "it1-step1", steps[0].Origin)
	assert.Equal(t, []string{"it2-step1"}, steps[1].DependsOn)
	assert.Equal(t, "{it2-step1}.result", steps[1].Args["data"])
	assert.Equal(t, "it1-step2", steps[1].Origin)
}

func TestReplanKeepsSucceededDependencyAsReference(t *testing.T) {
	task := taskgraph.NewTask("t", "q", "s")
	g, err := taskgraph.New([]*taskgraph.Step{
		{ID: "it1-step1", Capability: "intelligent_search", Status: taskgraph.StatusSucceeded, Result: "hits"},
		{ID: "it1-step2", Capability: "data_analysis", Args: map[string]any{"data": "{it1-step1}.result"},
			DependsOn: []string{"it1-step1"}, Status: taskgraph.StatusFailed},
	})
	require.NoError(t, err)
	task.Record(g)

	verdict := &critic.Verdict{Hint: []critic.Retry{{Origin: "it1-step2", Capability: "data_analysis",
		Args: map[string]any{"data": "{it1-step1}.result"}, DependsOn: []string{"it1-step1"}}}}

	plan, err := New(allCapabilities(t)).Plan(Request{Iteration: 2, Verdict: verdict, Prior: task})
	require.NoError(t, err)
	require.Equal(t, 1, plan.Graph.Len())
	s := plan.Graph.Steps()[0]
	assert.Empty(t, s.DependsOn)
	assert.Equal(t, "{it1-step1}.result", s.Args["data"])
}

func TestReplanEmptyHintYieldsEmptyGraph(t *testing.T) {
	plan, err := New(allCapabilities(t)).Plan(Request{Iteration: 2, Verdict: &critic.Verdict{}})
	require.NoError(t, err)
	assert.Equal(t, 0, plan.Graph.Len())
	assert.False(t, plan.Direct)
}

func TestCustomRulesTakePriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: weather
    capability: weather
    pattern: "(?i)weather in (\\w+)"
    args:
      city: "{{match}}"
      source: "{{fragment}}"
`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	p := New(registry(t, "weather", "intelligent_search"), WithRules(rules...))
	plan, err := p.Plan(Request{Query: "search weather in Paris", Iteration: 1})
	require.NoError(t, err)
	require.Equal(t, 1, plan.Graph.Len())
	s := plan.Graph.Steps()[0]
	assert.Equal(t, "weather", s.Capability)
	assert.Equal(t, "Paris", s.Args["city"])
}

func TestLoadRulesRejectsInvalidSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: broken\n    capability: x\n"), 0o644))

	_, err := LoadRules(path)
	require.Error(t, err)
}

func TestWatchRulesReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	write := func(capability string) {
		body := "rules:\n  - name: custom\n    capability: " + capability + "\n    keywords: [\"forecast\"]\n    args:\n      q: \"{{fragment}}\"\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("weather")
	rules, err := LoadRules(path)
	require.NoError(t, err)

	ready := make(chan struct{})
	watching = func(string) { close(ready) }
	t.Cleanup(func() { watching = func(string) {} })

	p := New(registry(t, "weather", "climate"), WithRules(rules...))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.WatchRules(ctx, path) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	capabilityFor := func() string {
		plan, err := p.Plan(Request{Query: "forecast tomorrow", Iteration: 1})
		if err != nil || plan.Graph.Len() == 0 {
			return ""
		}
		return plan.Graph.Steps()[0].Capability
	}
	require.Equal(t, "weather", capabilityFor())

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("rules watcher did not start")
	}
	// 只写一次，重复写入会不断推迟去抖后的重新加载。
	write("climate")
	require.Eventually(t, func() bool {
		return capabilityFor() == "climate"
	}, 5*time.Second, 50*time.Millisecond)
}
