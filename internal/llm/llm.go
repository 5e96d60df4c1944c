package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// HistoryEntry 是提供给模型的一条历史消息。
type HistoryEntry struct {
	Role    string
	Content string
}

// StepOutput 是一个步骤的最终结果。
type StepOutput struct {
	StepID     string
	Capability string
	Succeeded  bool
	Output     string
	Error      string
}

// Request 描述一次润色调用的上下文。
type Request struct {
	Query    string
	Steps    []StepOutput
	History  []HistoryEntry
	Degraded bool
}

// Polisher 将结构化的步骤结果转换为自然语言回答。
type Polisher interface {
	Polish(ctx context.Context, req Request) (string, error)
}

// PolisherFunc 允许把普通函数作为 Polisher 使用。
type PolisherFunc func(ctx context.Context, req Request) (string, error)

// Polish 实现 Polisher。
func (f PolisherFunc) Polish(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

const (
	contextOutputLimit  = 1000
	fallbackOutputLimit = 500
	truncatedMarker     = "...(已截断)"
)

// SystemPrompt 是润色调用的系统提示词。
const SystemPrompt = `你是一个结果润色专家。你的任务是将结构化的工具执行结果转换为自然、流畅的回答。

核心原则：
1. 直接回答用户问题，不要描述"执行了什么"
2. 提取关键信息，忽略技术细节
3. 使用 Markdown 格式美化输出
4. 简洁明了，避免冗余

不要说"根据工具返回..."之类的话。如果部分步骤失败，如实说明缺失的信息。`

// BuildContext 生成润色调用的用户消息：问题加上按步骤排列的结果。
func BuildContext(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**用户问题**: %s\n\n**工具执行结果**:\n", req.Query)
	for _, s := range req.Steps {
		fmt.Fprintf(&b, "\n%s (%s):\n", s.StepID, s.Capability)
		if s.Succeeded {
			fmt.Fprintf(&b, "```\n%s\n```\n", clip(s.Output, contextOutputLimit))
			continue
		}
		fmt.Fprintf(&b, "❌ 错误: %s\n", s.Error)
	}
	if req.Degraded {
		b.WriteString("\n（部分步骤未能完成，请基于已有结果作答）\n")
	}
	return b.String()
}

// Fallback 在没有模型可用时格式化最终答案。
func Fallback(req Request) string {
	var ok []StepOutput
	for _, s := range req.Steps {
		if s.Succeeded {
			ok = append(ok, s)
		}
	}

	switch len(ok) {
	case 0:
		return fmt.Sprintf("❌ 任务执行失败\n\n问题: %s\n\n请检查工具配置或重试。", req.Query)
	case 1:
		output := ok[0].Output
		if utf8.RuneCountInString(output) < fallbackOutputLimit && !strings.Contains(head(output, 100), "\n") {
			return output
		}
		return fmt.Sprintf("**%s 执行结果**:\n\n%s", ok[0].Capability, output)
	}

	lines := []string{fmt.Sprintf("**问题**: %s\n", req.Query)}
	for i, s := range ok {
		lines = append(lines, fmt.Sprintf("**步骤 %d (%s)**:", i+1, s.Capability))
		lines = append(lines, clip(s.Output, fallbackOutputLimit)+"\n")
	}
	return strings.Join(lines, "\n")
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + truncatedMarker
}

func head(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
