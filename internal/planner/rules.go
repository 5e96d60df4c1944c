package planner

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Context 是规划单个片段时可见的附加信息。
type Context struct {
	Query   string
	Uploads []string
}

// Rule 把查询片段映射为零个或多个能力调用。
// Build 返回每个步骤的参数，返回空表示规则不适用；
// input 是上一片段结果的引用，仅在顺序连接时非空。
type Rule struct {
	Name       string
	Capability string
	Build      func(fragment string, ctx Context, input string) []map[string]any
}

var (
	searchPattern = regexp.MustCompile(`(?i)搜索|查找|找一下|查询|\b(?:search|find|look up|google|news)\b|最新.*(?:信息|消息|新闻|进展)|进展|动态|新闻`)
	calcWords     = []string{"计算", "算一下", "等于", "多少", "求和", "累加", "calculate", "compute", "what is", "sum", "total"}
	analysisWords = []string{"分析", "统计", "对比", "趋势", "平均", "中位数", "analy", "statistic", "average", "mean", "median"}
	fileWords     = []string{"读取", "打开", "查看", "写入", "保存", "列出", "目录", "文件", "read", "open", "write", "save", "list", "file", "directory"}
	codeWords     = []string{"运行", "执行", "代码", "脚本", "python", "javascript", "run ", "execute", "code", "```"}
	scrapeWords   = []string{"抓取", "爬取", "网页", "scrape", "crawl", "fetch", "打开链接"}
	quotedPattern = regexp.MustCompile(`["“](.+?)["”]`)
)

// DefaultRules 返回内置规则，顺序即优先级。
func DefaultRules() []Rule {
	return []Rule{
		{Name: "web_fetch", Capability: "web_fetch", Build: buildWebFetch},
		{Name: "search", Capability: "intelligent_search", Build: buildSearch},
		{Name: "calculator", Capability: "calculator", Build: buildCalculator},
		{Name: "data_analysis", Capability: "data_analysis", Build: buildAnalysis},
		{Name: "file_operations", Capability: "file_operations", Build: buildFileOps},
		{Name: "code_execution", Capability: "code_execution", Build: buildCode},
		{Name: "vision_analysis", Capability: "vision_analysis", Build: buildVision},
	}
}

func one(args map[string]any) []map[string]any {
	return []map[string]any{args}
}

func buildWebFetch(fragment string, _ Context, _ string) []map[string]any {
	url := firstURL(fragment)
	if url == "" {
		return nil
	}
	args := map[string]any{"url": url}
	if containsAny(fragment, scrapeWords...) {
		args["mode"] = "text"
	}
	return one(args)
}

func buildSearch(fragment string, _ Context, _ string) []map[string]any {
	if !searchPattern.MatchString(fragment) {
		return nil
	}
	return one(map[string]any{"query": searchQuery(fragment), "max_results": 5})
}

func buildCalculator(fragment string, _ Context, _ string) []map[string]any {
	expr, raw, ok := expression(fragment)
	if !ok {
		return nil
	}
	// 没有计算类措辞时，表达式必须几乎覆盖整个片段，避免把年份区间当作减法。
	if !containsAny(fragment, calcWords...) {
		rest := strings.Trim(strings.Replace(fragment, raw, "", 1), " =？?")
		if utf8.RuneCountInString(rest) > 2 {
			return nil
		}
	}
	return one(map[string]any{"expression": expr})
}

func buildAnalysis(fragment string, ctx Context, input string) []map[string]any {
	if !containsAny(fragment, analysisWords...) {
		return nil
	}
	if path := firstFile(fragment); path != "" {
		return one(map[string]any{"file_path": path})
	}
	if path := firstUpload(ctx.Uploads, false); path != "" {
		return one(map[string]any{"file_path": path})
	}
	if input != "" {
		return one(map[string]any{"data": input})
	}
	if nums := numbers(fragment); len(nums) >= 2 {
		return one(map[string]any{"data": nums})
	}
	return nil
}

func buildFileOps(fragment string, ctx Context, input string) []map[string]any {
	path := firstFile(fragment)
	if path == "" && !containsAny(fragment, fileWords...) {
		return nil
	}
	if path == "" {
		path = firstUpload(ctx.Uploads, false)
	}
	op := fileOperation(fragment)
	if path == "" {
		if op != "list" {
			return nil
		}
		path = "."
	}
	args := map[string]any{"operation": op, "file_path": path}
	if op == "write" {
		switch {
		case quotedPattern.MatchString(fragment):
			args["content"] = quotedPattern.FindStringSubmatch(fragment)[1]
		case input != "":
			args["content"] = input
		default:
			args["content"] = ""
		}
	}
	return one(args)
}

func buildCode(fragment string, _ Context, _ string) []map[string]any {
	if !containsAny(fragment, codeWords...) {
		return nil
	}
	body, lang := code(fragment)
	return one(map[string]any{"code": body, "language": lang})
}

func buildVision(fragment string, ctx Context, _ string) []map[string]any {
	var out []map[string]any
	for _, f := range ctx.Uploads {
		if isImage(f) {
			out = append(out, map[string]any{"image_path": f, "question": fragment})
		}
	}
	return out
}

func firstUpload(uploads []string, image bool) string {
	for _, f := range uploads {
		if isImage(f) == image {
			return f
		}
	}
	return ""
}

// directKind 判断无需工具即可回答的查询类型，返回空串表示不适用。
func directKind(query string) string {
	q := strings.ToLower(strings.Trim(query, " \t\n!！。.~"))
	switch {
	case q == "":
		return ""
	case isGreeting(q) && utf8.RuneCountInString(q) <= 20:
		return "greeting"
	case containsAny(q, "谢谢", "感谢", "thank", "thx"):
		return "thanks"
	case containsAny(q, "你是谁", "你能做什么", "你会什么", "介绍一下你", "who are you", "what can you do", "帮助", "help"):
		return "identity"
	case strings.HasSuffix(q, "?") || strings.HasSuffix(q, "？") ||
		hasSuffixAny(q, "吗", "呢", "么") ||
		hasPrefixAny(q, "什么", "为什么", "怎么", "如何", "是否", "解释", "介绍",
			"what", "why", "how", "who", "when", "where", "which", "explain", "is ", "are ", "can ", "does ", "do "):
		return "question"
	}
	return ""
}

func isGreeting(q string) bool {
	for _, g := range []string{"你好", "您好", "嗨", "哈喽", "早上好", "下午好", "晚上好", "hello", "hi", "hey"} {
		if strings.HasPrefix(q, g) && !wordContinues(q, len(g)) {
			return true
		}
	}
	return false
}

func hasPrefixAny(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasSuffixAny(s string, suffixes ...string) bool {
	for _, p := range suffixes {
		if strings.HasSuffix(s, p) {
			return true
		}
	}
	return false
}
