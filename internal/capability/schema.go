package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

// ParamType 描述参数的取值类型。
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
	TypeAny     ParamType = "any"
)

// Param 是能力声明的单个参数。
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Default     any       `json:"default,omitempty" yaml:"default"`
	Description string    `json:"description,omitempty" yaml:"description"`
}

// Schema 是能力的参数声明。
type Schema struct {
	Params     []Param `json:"params" yaml:"params"`
	AllowExtra bool    `json:"allow_extra" yaml:"allow_extra"`
}

// Param 按名称查找参数定义。
func (s Schema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Validate 校验参数并返回补齐默认值后的副本，原始 map 不会被修改。
func (s Schema) Validate(args map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(args)+len(s.Params))
	for k, v := range args {
		merged[k] = v
	}

	var problems []string
	for _, p := range s.Params {
		value, ok := merged[p.Name]
		if !ok || value == nil {
			if p.Default != nil {
				merged[p.Name] = p.Default
				continue
			}
			if p.Required {
				problems = append(problems, fmt.Sprintf("缺少必填参数 %s", p.Name))
			}
			continue
		}
		if err := checkType(p.Type, value); err != nil {
			problems = append(problems, fmt.Sprintf("参数 %s %v", p.Name, err))
		}
	}

	if !s.AllowExtra {
		var extra []string
		for k := range merged {
			if _, ok := s.Param(k); !ok {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			problems = append(problems, fmt.Sprintf("未声明的参数 %s", k))
		}
	}

	if len(problems) > 0 {
		return nil, xerrors.New(xerrors.CodeValidation, strings.Join(problems, "; "))
	}
	return merged, nil
}

func checkType(t ParamType, value any) error {
	switch t {
	case "", TypeAny:
		return nil
	case TypeString:
		if _, ok := value.(string); ok {
			return nil
		}
	case TypeBoolean:
		if _, ok := value.(bool); ok {
			return nil
		}
	case TypeNumber:
		if _, ok := toFloat(value); ok {
			return nil
		}
	case TypeInteger:
		if f, ok := toFloat(value); ok && f == math.Trunc(f) {
			return nil
		}
	case TypeObject:
		if rv := reflect.ValueOf(value); rv.Kind() == reflect.Map {
			return nil
		}
	case TypeArray:
		if rv := reflect.ValueOf(value); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			return nil
		}
	default:
		return fmt.Errorf("声明了未知类型 %s", t)
	}
	return fmt.Errorf("应为 %s，实际为 %T", t, value)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}

// Float 将数字类参数转换为 float64，供能力实现读取参数。
func Float(args map[string]any, name string) (float64, bool) {
	v, ok := args[name]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// ToFloat 将任意数字类型转换为 float64。
func ToFloat(v any) (float64, bool) {
	return toFloat(v)
}

// String 读取字符串参数。
func String(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}
