package planner

import (
	"regexp"
	"strings"
)

type relation int

const (
	parallel relation = iota
	sequential
)

var connectorPattern = regexp.MustCompile(`(?i)[\s,，]*(?:\band then\b|\bthen\b|然后|接着|随后|;|；|\band\b|同时|并且|以及)[\s,，]*`)

// piece 是按连接词切开的原始片段，sep 为它前面的连接词原文。
type piece struct {
	text string
	sep  string
	rel  relation
}

func split(query string) []piece {
	var out []piece
	last := 0
	sep := ""
	rel := parallel
	for _, loc := range connectorPattern.FindAllStringIndex(query, -1) {
		out = append(out, piece{text: query[last:loc[0]], sep: sep, rel: rel})
		sep = query[loc[0]:loc[1]]
		rel = relationOf(sep)
		last = loc[1]
	}
	out = append(out, piece{text: query[last:], sep: sep, rel: rel})
	return out
}

func relationOf(connector string) relation {
	c := strings.ToLower(connector)
	if strings.Contains(c, "then") || strings.Contains(c, "然后") || strings.Contains(c, "接着") || strings.Contains(c, "随后") {
		return sequential
	}
	return parallel
}

func clean(text string) string {
	return strings.Trim(text, " \t\r\n,，。.!！、")
}

// segment 是规划的最小单元：一个规则命中的片段。
type segment struct {
	text string
	rel  relation
}

// segments 切分查询并合并无法单独命中规则的片段：
// 并入前一个片段；位于开头时丢弃。
func (p *Planner) segments(query string, ctx Context) []segment {
	var out []segment
	for _, pc := range split(query) {
		text := clean(pc.text)
		if text == "" {
			continue
		}
		input := ""
		if pc.rel == sequential && len(out) > 0 {
			input = placeholderInput
		}
		if rule, _ := p.match(text, ctx, input); rule != nil {
			out = append(out, segment{text: text, rel: pc.rel})
			continue
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			last.text = last.text + pc.sep + text
		}
	}
	return out
}

// placeholderInput 只在切分阶段代表上一片段的结果。
const placeholderInput = "{prev}.result"
