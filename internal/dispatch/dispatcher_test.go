package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	noop := capability.InvokerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil })
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register("search", capability.Schema{Params: []capability.Param{
		{Name: "query", Type: capability.TypeString, Required: true},
		{Name: "max_results", Type: capability.TypeInteger, Default: 5},
	}}, noop, time.Second))
	require.NoError(t, reg.Register("analyze", capability.Schema{Params: []capability.Param{
		{Name: "data", Type: capability.TypeAny, Required: true},
		{Name: "note", Type: capability.TypeString},
	}}, noop, time.Second))
	reg.Seal()
	return New(reg)
}

func buildGraph(t *testing.T, steps ...*taskgraph.Step) *taskgraph.Graph {
	t.Helper()
	g, err := taskgraph.New(steps)
	require.NoError(t, err)
	return g
}

type ledger map[string]*taskgraph.Step

func (l ledger) Lookup(id string) (*taskgraph.Step, bool) {
	s, ok := l[id]
	return s, ok
}

func TestBindAppliesDefaults(t *testing.T) {
	d := newDispatcher(t)
	s := &taskgraph.Step{ID: "it1-step1", Capability: "search", Args: map[string]any{"query": "go"}}
	g := buildGraph(t, s)

	b, err := d.Bind(s, g, nil)
	require.NoError(t, err)
	assert.Equal(t, "search", b.Capability.Name())
	assert.Equal(t, map[string]any{"query": "go", "max_results": 5}, b.Args)
	assert.NotContains(t, s.Args, "max_results")
}

func TestBindSubstitutesWholeAndEmbeddedReferences(t *testing.T) {
	d := newDispatcher(t)
	first := &taskgraph.Step{ID: "it1-step1", Capability: "search", Args: map[string]any{"query": "go"}}
	second := &taskgraph.Step{ID: "it1-step2", Capability: "analyze", DependsOn: []string{"it1-step1"},
		Args: map[string]any{"data": "{it1-step1}.result", "note": "结果: {it1-step1}.result"}}
	g := buildGraph(t, first, second)
	first.Status = taskgraph.StatusSucceeded
	first.Result = map[string]any{"hits": 2}

	b, err := d.Bind(second, g, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hits": 2}, b.Args["data"])
	assert.Equal(t, `结果: {"hits":2}`, b.Args["note"])
	assert.Equal(t, "{it1-step1}.result", second.Args["data"])
}

func TestBindRejectsUndeclaredDependency(t *testing.T) {
	d := newDispatcher(t)
	first := &taskgraph.Step{ID: "it1-step1", Capability: "search", Args: map[string]any{"query": "go"}}
	second := &taskgraph.Step{ID: "it1-step2", Capability: "analyze",
		Args: map[string]any{"data": "{it1-step1}.result"}}
	g := buildGraph(t, first, second)
	first.Status = taskgraph.StatusSucceeded

	_, err := d.Bind(second, g, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	xe, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, "it1-step1", xe.Metadata()["reference"])
}

func TestBindRejectsFailedDependency(t *testing.T) {
	d := newDispatcher(t)
	first := &taskgraph.Step{ID: "it1-step1", Capability: "search", Args: map[string]any{"query": "go"}}
	second := &taskgraph.Step{ID: "it1-step2", Capability: "analyze", DependsOn: []string{"it1-step1"},
		Args: map[string]any{"data": "{it1-step1}.result"}}
	g := buildGraph(t, first, second)
	first.Status = taskgraph.StatusFailed

	_, err := d.Bind(second, g, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
}

func TestBindResolvesPriorIterationRecords(t *testing.T) {
	d := newDispatcher(t)
	s := &taskgraph.Step{ID: "it2-step1", Capability: "analyze", Args: map[string]any{"data": "{it1-step1}.result"}}
	g := buildGraph(t, s)
	prior := ledger{"it1-step1": {ID: "it1-step1", Status: taskgraph.StatusSucceeded, Result: []any{1.0, 2.0}}}

	b, err := d.Bind(s, g, prior)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, b.Args["data"])

	prior["it1-step1"].Status = taskgraph.StatusFailed
	_, err = d.Bind(s, g, prior)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
}

func TestBindUnknownCapabilityIsStepLocal(t *testing.T) {
	d := newDispatcher(t)
	s := &taskgraph.Step{ID: "it1-step1", Capability: "ghost"}
	g := buildGraph(t, s)

	_, err := d.Bind(s, g, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
}

func TestBindSchemaMismatch(t *testing.T) {
	d := newDispatcher(t)
	s := &taskgraph.Step{ID: "it1-step1", Capability: "search", Args: map[string]any{"query": 3, "extra": true}}
	g := buildGraph(t, s)

	_, err := d.Bind(s, g, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "未声明的参数 extra")
}

func TestReferencesInOrder(t *testing.T) {
	args := map[string]any{
		"a": "{s2}.result and {s1}.result",
		"b": []any{"{s2}.result", map[string]any{"c": "{s3}.result"}},
	}
	assert.Equal(t, []string{"s2", "s1", "s3"}, References(args))
	assert.Equal(t, "{s1}.result", Reference("s1"))
}

func TestRewriteRedirectsReferences(t *testing.T) {
	args := map[string]any{"data": "{it1-step1}.result", "nested": []any{"x {it1-step1}.result"}}
	out := Rewrite(args, "it1-step1", "it2-step1")
	assert.Equal(t, "{it2-step1}.result", out["data"])
	assert.Equal(t, []any{"x {it2-step1}.result"}, out["nested"])
	assert.Equal(t, "{it1-step1}.result", args["data"])
}
