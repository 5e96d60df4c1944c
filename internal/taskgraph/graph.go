package taskgraph

import (
	"container/heap"
	"fmt"
	"strings"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

// Graph 是一次规划产生的有向无环任务图，步骤顺序即规划顺序。
type Graph struct {
	steps []*Step
	index map[string]int
}

// New 校验并构造任务图：ID 唯一、依赖存在于同一张图、无环。
func New(steps []*Step) (*Graph, error) {
	g := &Graph{index: make(map[string]int, len(steps))}
	for i, s := range steps {
		if s == nil || strings.TrimSpace(s.ID) == "" {
			return nil, xerrors.New(xerrors.CodeSystem, fmt.Sprintf("第 %d 个步骤缺少 ID", i))
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, xerrors.New(xerrors.CodeSystem, fmt.Sprintf("步骤 ID %s 重复", s.ID))
		}
		g.index[s.ID] = i
		if s.Status == "" {
			s.Status = StatusPending
		}
		if s.Origin == "" {
			s.Origin = s.ID
		}
		g.steps = append(g.steps, s)
	}
	for _, s := range g.steps {
		for _, dep := range s.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, xerrors.New(xerrors.CodeSystem,
					fmt.Sprintf("步骤 %s 依赖的 %s 不在同一任务图中", s.ID, dep))
			}
			if dep == s.ID {
				return nil, xerrors.New(xerrors.CodeSystem, fmt.Sprintf("步骤 %s 依赖自身", s.ID))
			}
		}
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, xerrors.New(xerrors.CodeSystem, "任务图存在环: "+strings.Join(cycle, " -> "))
	}
	return g, nil
}

// Empty 返回没有步骤的任务图。
func Empty() *Graph {
	return &Graph{index: map[string]int{}}
}

// Steps 返回按规划顺序排列的步骤。
func (g *Graph) Steps() []*Step {
	if g == nil {
		return nil
	}
	return g.steps
}

// Len 返回步骤数量。
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.steps)
}

// Step 按 ID 查找步骤。
func (g *Graph) Step(id string) (*Step, bool) {
	if g == nil {
		return nil, false
	}
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.steps[i], true
}

// Descriptions 返回所有步骤的确定性描述。
func (g *Graph) Descriptions() []string {
	out := make([]string, 0, g.Len())
	for _, s := range g.Steps() {
		out = append(out, s.Describe())
	}
	return out
}

// TopologicalOrder 返回稳定的拓扑序，同层按规划顺序排列。
func (g *Graph) TopologicalOrder() []string {
	indeg := make([]int, len(g.steps))
	outgoing := make([][]int, len(g.steps))
	for i, s := range g.steps {
		for _, dep := range s.DependsOn {
			j := g.index[dep]
			outgoing[j] = append(outgoing[j], i)
			indeg[i]++
		}
	}
	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]string, 0, len(g.steps))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, g.steps[n].ID)
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return order
}

// findCycle 用深度优先搜索返回一个确定的环路见证，无环时返回 nil。
func (g *Graph) findCycle() []string {
	if len(g.TopologicalOrder()) == len(g.steps) {
		return nil
	}
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.steps))
	var stack []int
	var cycle []string

	var visit func(int) bool
	visit = func(n int) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, dep := range g.steps[n].DependsOn {
			m := g.index[dep]
			switch color[m] {
			case gray:
				start := 0
				for i, v := range stack {
					if v == m {
						start = i
						break
					}
				}
				for _, v := range stack[start:] {
					cycle = append(cycle, g.steps[v].ID)
				}
				cycle = append(cycle, g.steps[m].ID)
				return true
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for i := range g.steps {
		if color[i] == white && visit(i) {
			return cycle
		}
	}
	return cycle
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
