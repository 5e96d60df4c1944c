package planner

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	urlPattern      = regexp.MustCompile(`https?://[^\s"'<>，。；]+`)
	filePattern     = regexp.MustCompile(`(?:[A-Za-z0-9_\-./]+/)?[A-Za-z0-9_\-]+\.(?:csv|tsv|txt|json|md|log|yaml|yml|xml|html)\b`)
	rangePattern    = regexp.MustCompile(`(\d+)\s*(?:到|至|~|-|to)\s*(\d+)`)
	exprPattern     = regexp.MustCompile(`[\d.\s+\-*/×÷^%()（）]+`)
	operatorPattern = regexp.MustCompile(`\d\s*[+\-*/×÷^%]\s*[\d(（]`)
	numberPattern   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	fencePattern    = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)\\n?(.*?)```")
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}

var searchNoise = []string{
	"search for", "search", "look up", "find", "google",
	"搜索一下", "搜索", "查找", "找一下", "查询", "帮我", "请",
}

func firstURL(text string) string {
	return strings.TrimRight(urlPattern.FindString(text), ".,)")
}

func firstFile(text string) string {
	return filePattern.FindString(text)
}

func isImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range imageExts {
		if ext == e {
			return true
		}
	}
	return false
}

// searchQuery 去掉开头的搜索类动词，保留查询主体。
func searchQuery(fragment string) string {
	q := strings.TrimSpace(fragment)
	for changed := true; changed; {
		changed = false
		q = strings.TrimLeft(q, " \t:：,，")
		for _, w := range searchNoise {
			if len(q) >= len(w) && strings.EqualFold(q[:len(w)], w) && !wordContinues(q, len(w)) {
				q = q[len(w):]
				changed = true
				break
			}
		}
	}
	q = strings.Trim(q, " \t:：,，")
	if q == "" {
		return strings.TrimSpace(fragment)
	}
	return q
}

// wordContinues 判断英文前缀之后是否紧跟字母，避免把 searching 截成 ing。
func wordContinues(s string, i int) bool {
	if i == 0 || i >= len(s) {
		return false
	}
	return asciiLetter(s[i-1]) && asciiLetter(s[i])
}

func asciiLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// expression 从片段中提取可计算的表达式，区间求和转换为等差数列公式。
// raw 是表达式在片段中的原文。
func expression(fragment string) (expr, raw string, ok bool) {
	if m := rangePattern.FindStringSubmatch(fragment); m != nil && containsAny(fragment, "和", "求和", "sum", "加", "累加", "total") {
		a, errA := strconv.Atoi(m[1])
		b, errB := strconv.Atoi(m[2])
		if errA != nil || errB != nil {
			return "", "", false
		}
		if b < a {
			a, b = b, a
		}
		return fmt.Sprintf("(%d+%d)*(%d-%d+1)/2", a, b, b, a), m[0], true
	}
	best := ""
	for _, candidate := range exprPattern.FindAllString(fragment, -1) {
		candidate = strings.TrimSpace(candidate)
		if !operatorPattern.MatchString(candidate) {
			continue
		}
		if len(candidate) > len(best) {
			best = candidate
		}
	}
	if best == "" {
		return "", "", false
	}
	r := strings.NewReplacer("×", "*", "÷", "/", "（", "(", "）", ")")
	return strings.TrimSpace(r.Replace(best)), best, true
}

func numbers(fragment string) []any {
	var out []any
	for _, s := range numberPattern.FindAllString(fragment, -1) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// code 提取代码块及语言，没有代码块时取冒号之后的内容。
func code(fragment string) (string, string) {
	if m := fencePattern.FindStringSubmatch(fragment); m != nil {
		lang := strings.ToLower(m[1])
		if lang == "" {
			lang = "python"
		}
		return strings.TrimSpace(m[2]), lang
	}
	lang := "python"
	lower := strings.ToLower(fragment)
	for _, l := range []string{"javascript", "bash", "go"} {
		if strings.Contains(lower, l) {
			lang = l
			break
		}
	}
	for _, sep := range []string{"：", ":"} {
		if i := strings.Index(fragment, sep); i >= 0 {
			if body := strings.TrimSpace(fragment[i+len(sep):]); body != "" {
				return body, lang
			}
		}
	}
	return strings.TrimSpace(fragment), lang
}

func fileOperation(fragment string) string {
	switch {
	case containsAny(fragment, "写入", "保存", "写到", "write", "save"):
		return "write"
	case containsAny(fragment, "列出", "目录", "list", "directory", "ls "):
		return "list"
	default:
		return "read"
	}
}

func containsAny(text string, words ...string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
