package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/Lewis121025/MAX-AI/internal/capability"
)

var calculatorSchema = capability.Schema{Params: []capability.Param{
	{Name: "expression", Type: capability.TypeString, Required: true, Description: "算术表达式，支持 + - * / % ^ 与括号"},
}}

// Calculate 对表达式求值。
func Calculate(_ context.Context, args map[string]any) (any, error) {
	expr := strings.TrimSpace(capability.String(args, "expression"))
	if expr == "" {
		return nil, capability.InvalidArgument("表达式不能为空")
	}
	value, err := Evaluate(expr)
	if err != nil {
		return nil, capability.InvalidArgument(fmt.Sprintf("无法计算 %q: %v", expr, err))
	}
	return fmt.Sprintf("%s = %s", expr, FormatNumber(value)), nil
}

// FormatNumber 以最短形式输出数字，整数不带小数点。
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', 12, 64)
}

// Evaluate 解析并计算表达式。^ 与 ** 为右结合的乘方。
func Evaluate(expr string) (float64, error) {
	p := &exprParser{src: strings.NewReplacer("**", "^", "×", "*", "÷", "/", "（", "(", "）", ")").Replace(expr)}
	v, err := p.sum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("位置 %d 存在多余的字符 %q", p.pos, p.src[p.pos:])
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("结果不是有限数")
	}
	return v, nil
}

type exprParser struct {
	src   string
	pos   int
	depth int
}

const maxExprDepth = 64

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) sum() (float64, error) {
	left, err := p.product()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.product()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.product()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) product() (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("除数不能为 0")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, fmt.Errorf("取模的除数不能为 0")
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *exprParser) unary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.unary()
		return -v, err
	case '+':
		p.pos++
		return p.unary()
	}
	return p.power()
}

func (p *exprParser) power() (float64, error) {
	base, err := p.operand()
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.unary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *exprParser) operand() (float64, error) {
	c := p.peek()
	if c == '(' {
		p.depth++
		if p.depth > maxExprDepth {
			return 0, fmt.Errorf("括号嵌套过深")
		}
		p.pos++
		v, err := p.sum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("缺少右括号")
		}
		p.pos++
		p.depth--
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		if c == 0 {
			return 0, fmt.Errorf("表达式不完整")
		}
		return 0, fmt.Errorf("位置 %d 处无法识别 %q", p.pos, string(c))
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("无效的数字 %q", p.src[start:p.pos])
	}
	return v, nil
}
