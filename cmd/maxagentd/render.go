package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/Lewis121025/MAX-AI/internal/stream"
	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

// renderer 把事件流渲染为终端输出。
type renderer struct {
	w       io.Writer
	verbose bool

	dim    *color.Color
	title  *color.Color
	ok     *color.Color
	failed *color.Color
	warn   *color.Color
	answer *color.Color
}

func newRenderer(w io.Writer, verbose bool) *renderer {
	return &renderer{
		w:       w,
		verbose: verbose,
		dim:     color.New(color.Faint),
		title:   color.New(color.FgCyan, color.Bold),
		ok:      color.New(color.FgGreen),
		failed:  color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		answer:  color.New(color.Bold),
	}
}

func (r *renderer) render(ev stream.Event) {
	d := ev.Data
	switch ev.Node {
	case stream.NodeSession:
		r.dim.Fprintf(r.w, "会话 %v\n", d["session_id"])
	case stream.NodePlanner:
		r.title.Fprintf(r.w, "▶ 规划 #%v", d["iteration"])
		fmt.Fprintf(r.w, " %v\n", d["reasoning"])
		if steps := fmt.Sprint(d["plan"]); r.verbose && steps != "[]" {
			r.dim.Fprintf(r.w, "  步骤 %s\n", steps)
		}
	case stream.NodeExecutor:
		if d["barrier"] == true {
			if r.verbose {
				r.dim.Fprintf(r.w, "  %v\n", d["output"])
			}
			return
		}
		mark, c := "✓", r.ok
		if d["status"] != string(taskgraph.StatusSucceeded) {
			mark, c = "✗", r.failed
		}
		c.Fprintf(r.w, "  %s %v", mark, d["tool"])
		r.dim.Fprintf(r.w, " (%vms, %v 次)\n", d["elapsed_ms"], d["attempts"])
		if r.verbose || c == r.failed {
			fmt.Fprintf(r.w, "    %s\n", indent(fmt.Sprint(d["output"]), "    "))
		}
	case stream.NodeCritic:
		c := r.dim
		if d["is_complete"] != true || d["degraded"] == true {
			c = r.warn
		}
		c.Fprintf(r.w, "◆ 评估: %v\n", d["reflection"])
	case stream.NodeFastAgent:
		fmt.Fprintln(r.w)
		r.answer.Fprintln(r.w, d["final_answer"])
		meta := fmt.Sprintf("LLM 调用 %v · 成功率 %v · 用时 %vms", d["llm_calls"], d["success_rate"], d["total_time_ms"])
		if d["degraded"] == true {
			meta += " · 降级"
		}
		r.dim.Fprintln(r.w, meta)
	case stream.NodeError:
		r.failed.Fprintf(r.w, "✗ %v", d["message"])
		if details, ok := d["details"].(map[string]any); ok && details["code"] != nil {
			r.dim.Fprintf(r.w, " [%v]", details["code"])
		}
		fmt.Fprintln(r.w)
	}
}

func indent(s, prefix string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n"+prefix)
}
