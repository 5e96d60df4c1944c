package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleSpec 是规则文件中的一条声明式规则。
//
// 参数模板中的字符串支持以下占位符：
//
//	{{fragment}} 命中的片段    {{query}} 完整查询
//	{{input}}    上一片段结果  {{match}} 正则的第一个分组（没有分组时为整体匹配）
//	{{url}}      片段中的首个链接  {{file}} 片段中的首个文件名
type RuleSpec struct {
	Name       string         `yaml:"name"`
	Capability string         `yaml:"capability"`
	Keywords   []string       `yaml:"keywords"`
	Pattern    string         `yaml:"pattern"`
	Args       map[string]any `yaml:"args"`
}

type ruleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRules 从 YAML 文件加载自定义规则。
func LoadRules(path string) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("规则文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析规则文件路径失败: %w", err)
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件失败: %w", err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("解析规则文件失败: %w", err)
	}
	rules := make([]Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule, err := spec.Compile()
		if err != nil {
			return nil, fmt.Errorf("第 %d 条规则无效: %w", i+1, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Compile 把声明式规则转换为 Rule。
func (s RuleSpec) Compile() (Rule, error) {
	if strings.TrimSpace(s.Capability) == "" {
		return Rule{}, fmt.Errorf("缺少 capability")
	}
	if len(s.Keywords) == 0 && s.Pattern == "" {
		return Rule{}, fmt.Errorf("规则 %s 需要 keywords 或 pattern", s.Name)
	}
	var re *regexp.Regexp
	if s.Pattern != "" {
		var err error
		if re, err = regexp.Compile(s.Pattern); err != nil {
			return Rule{}, fmt.Errorf("正则表达式无效: %w", err)
		}
	}
	keywords := make([]string, 0, len(s.Keywords))
	for _, k := range s.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	name := s.Name
	if name == "" {
		name = s.Capability
	}
	template := s.Args

	return Rule{
		Name:       name,
		Capability: s.Capability,
		Build: func(fragment string, ctx Context, input string) []map[string]any {
			match, ok := matchSpec(fragment, keywords, re)
			if !ok {
				return nil
			}
			vars := []string{
				"{{fragment}}", fragment,
				"{{query}}", ctx.Query,
				"{{input}}", input,
				"{{match}}", match,
				"{{url}}", firstURL(fragment),
				"{{file}}", firstFile(fragment),
			}
			args, complete := fill(template, vars)
			if !complete {
				return nil
			}
			return one(args)
		},
	}, nil
}

func matchSpec(fragment string, keywords []string, re *regexp.Regexp) (string, bool) {
	if re != nil {
		if m := re.FindStringSubmatch(fragment); m != nil {
			if len(m) > 1 {
				return m[1], true
			}
			return m[0], true
		}
	}
	lower := strings.ToLower(fragment)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

// fill 用变量替换模板，vars 为占位符与取值交替排列。
// 引用的变量为空时返回 false，规则视为不适用。
func fill(template map[string]any, vars []string) (map[string]any, bool) {
	replacer := strings.NewReplacer(vars...)
	complete := true
	var walk func(v any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			for i := 0; i < len(vars); i += 2 {
				if vars[i+1] == "" && strings.Contains(t, vars[i]) {
					complete = false
				}
			}
			return replacer.Replace(t)
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, item := range t {
				out[k] = walk(item)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, item := range t {
				out[i] = walk(item)
			}
			return out
		default:
			return v
		}
	}
	args := make(map[string]any, len(template))
	for k, v := range template {
		args[k] = walk(v)
	}
	return args, complete
}
