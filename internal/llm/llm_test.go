package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackWithoutSuccess(t *testing.T) {
	out := Fallback(Request{Query: "天气", Steps: []StepOutput{{StepID: "it1-step1", Capability: "web_fetch", Error: "boom"}}})
	assert.Equal(t, "❌ 任务执行失败\n\n问题: 天气\n\n请检查工具配置或重试。", out)
}

func TestFallbackSingleShortResultIsRaw(t *testing.T) {
	out := Fallback(Request{Query: "1+1", Steps: []StepOutput{{Capability: "calculator", Succeeded: true, Output: "2"}}})
	assert.Equal(t, "2", out)
}

func TestFallbackSingleLongResultIsLabelled(t *testing.T) {
	long := strings.Repeat("x", 600)
	out := Fallback(Request{Steps: []StepOutput{{Capability: "web_fetch", Succeeded: true, Output: long}}})
	assert.Equal(t, "**web_fetch 执行结果**:\n\n"+long, out)

	multiline := Fallback(Request{Steps: []StepOutput{{Capability: "file_operations", Succeeded: true, Output: "a\nb"}}})
	assert.True(t, strings.HasPrefix(multiline, "**file_operations 执行结果**"))
}

func TestFallbackMultipleResultsAreTruncated(t *testing.T) {
	out := Fallback(Request{
		Query: "q",
		Steps: []StepOutput{
			{Capability: "intelligent_search", Succeeded: true, Output: strings.Repeat("长", 501)},
			{Capability: "calculator", Error: "bad"},
			{Capability: "calculator", Succeeded: true, Output: "42"},
		},
	})
	assert.Contains(t, out, "**问题**: q\n")
	assert.Contains(t, out, "**步骤 1 (intelligent_search)**:\n"+strings.Repeat("长", 500)+"...(已截断)\n")
	assert.Contains(t, out, "**步骤 2 (calculator)**:\n42\n")
}

func TestBuildContextMarksFailures(t *testing.T) {
	ctx := BuildContext(Request{
		Query:    "q",
		Degraded: true,
		Steps: []StepOutput{
			{StepID: "it1-step1", Capability: "calculator", Succeeded: true, Output: "3"},
			{StepID: "it1-step2", Capability: "web_fetch", Error: "timeout"},
		},
	})
	assert.Contains(t, ctx, "it1-step1 (calculator):\n```\n3\n```")
	assert.Contains(t, ctx, "❌ 错误: timeout")
	assert.Contains(t, ctx, "部分步骤未能完成")
}
