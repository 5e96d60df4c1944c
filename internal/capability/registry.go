package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

// Option 定义注册能力时的可选项。
type Option func(*Capability)

// WithDescription 设置能力说明，用于状态接口与规划描述。
func WithDescription(desc string) Option {
	return func(c *Capability) {
		c.description = desc
	}
}

// Descriptor 是能力的只读摘要。
type Descriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Params      []Param `json:"params"`
	TimeoutMS   int64   `json:"timeout_ms"`
}

// Registry 保存进程内所有能力。启动阶段单协程注册，Seal 之后只读，读取无需加锁。
type Registry struct {
	caps   map[string]*Capability
	order  []string
	sealed atomic.Bool
}

// NewRegistry 创建空的能力注册表。
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]*Capability)}
}

// Register 注册一个能力。名称重复时返回 DUPLICATE_CAPABILITY。
func (r *Registry) Register(name string, schema Schema, invoker Invoker, timeout time.Duration, opts ...Option) error {
	if r.sealed.Load() {
		return xerrors.New(xerrors.CodeRegistrySealed, fmt.Sprintf("注册表已封闭，无法注册 %s", name))
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力名称不能为空")
	}
	if invoker == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 缺少调用实现", name))
	}
	if _, exists := r.caps[name]; exists {
		return xerrors.New(xerrors.CodeDuplicateCapability, fmt.Sprintf("能力 %s 已注册", name),
			xerrors.WithMetadata("capability", name))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	params := make([]Param, len(schema.Params))
	copy(params, schema.Params)
	c := &Capability{
		name:    name,
		schema:  Schema{Params: params, AllowExtra: schema.AllowExtra},
		invoker: invoker,
		timeout: timeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	r.caps[name] = c
	r.order = append(r.order, name)
	return nil
}

// Seal 结束注册阶段，之后的 Register 调用都会失败。
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

// Ready 判断注册表是否已经可以接受任务。
func (r *Registry) Ready() bool {
	return r != nil && r.sealed.Load()
}

// Resolve 按名称查找能力，不存在时返回 UNKNOWN_CAPABILITY。
func (r *Registry) Resolve(name string) (*Capability, error) {
	if c, ok := r.caps[name]; ok {
		return c, nil
	}
	return nil, xerrors.New(xerrors.CodeUnknownCapability, fmt.Sprintf("能力 %s 未注册", name),
		xerrors.WithMetadata("capability", name))
}

// Has 判断能力是否已注册。
func (r *Registry) Has(name string) bool {
	_, ok := r.caps[name]
	return ok
}

// Names 返回按字母序排列的能力名称。
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Descriptors 返回所有能力的摘要。
func (r *Registry) Descriptors() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		c := r.caps[name]
		params := make([]Param, len(c.schema.Params))
		copy(params, c.schema.Params)
		out = append(out, Descriptor{
			Name:        c.name,
			Description: c.description,
			Params:      params,
			TimeoutMS:   c.timeout.Milliseconds(),
		})
	}
	return out
}
