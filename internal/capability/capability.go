package capability

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

// DefaultTimeout 是未声明超时时间的能力所使用的单次调用上限。
const DefaultTimeout = 60 * time.Second

// Invoker 是工具实现需要满足的统一调用契约。
// 失败时应返回 Timeout、InvalidArgument 或 ExternalServiceError 之一。
type Invoker interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// InvokerFunc 允许直接使用函数作为 Invoker。
type InvokerFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke 实现 Invoker。
func (f InvokerFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Capability 是注册后不可变的能力描述。
type Capability struct {
	name        string
	description string
	schema      Schema
	invoker     Invoker
	timeout     time.Duration
}

// Name 返回能力名称。
func (c *Capability) Name() string { return c.name }

// Description 返回能力说明。
func (c *Capability) Description() string { return c.description }

// Schema 返回参数声明。
func (c *Capability) Schema() Schema { return c.schema }

// Timeout 返回单次调用的超时时间。
func (c *Capability) Timeout() time.Duration { return c.timeout }

// Invoke 在能力的超时时间内执行一次调用。即使工具忽略 ctx，也会在超时后返回。
func (c *Capability) Invoke(ctx context.Context, args map[string]any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: xerrors.New(xerrors.CodeToolExecution,
					fmt.Sprintf("能力 %s 执行时发生 panic: %v", c.name, r),
					xerrors.WithRetryable(false))}
			}
		}()
		value, err := c.invoker.Invoke(callCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, c.normalize(ctx, out.err)
		}
		return out.value, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), fmt.Sprintf("能力 %s 调用被取消", c.name))
		}
		return nil, Timeout(fmt.Sprintf("能力 %s 超过 %s 未返回", c.name, c.timeout))
	}
}

// normalize 将工具返回的原始错误归入统一的错误码。
func (c *Capability) normalize(parent context.Context, err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	switch {
	case parent.Err() != nil:
		return xerrors.Wrap(xerrors.CodeCancelled, err, fmt.Sprintf("能力 %s 调用被取消", c.name))
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("能力 %s 调用超时", c.name))
	}
	return xerrors.Wrap(xerrors.CodeToolExecution, err, fmt.Sprintf("能力 %s 执行失败", c.name))
}

// Timeout 构造一个可重试的超时错误。
func Timeout(message string) error {
	return xerrors.New(xerrors.CodeTimeout, message)
}

// InvalidArgument 构造一个不可重试的参数错误。
func InvalidArgument(message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message)
}

// ExternalServiceError 构造一个可重试的外部服务错误。
func ExternalServiceError(cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeExternalService, cause, message)
}
