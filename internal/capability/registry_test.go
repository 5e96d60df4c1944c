package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

func echo() Invoker {
	return InvokerFunc(func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
}

var textSchema = Schema{Params: []Param{{Name: "text", Type: TypeString, Required: true}}}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo", textSchema, echo(), time.Second))

	err := reg.Register("echo", textSchema, echo(), time.Second)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeDuplicateCapability, xerrors.CodeOf(err))
}

func TestResolveUnknownCapability(t *testing.T) {
	reg := NewRegistry()
	reg.Seal()

	_, err := reg.Resolve("missing")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUnknownCapability, xerrors.CodeOf(err))
}

func TestSealClosesRegistration(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Ready())
	reg.Seal()
	assert.True(t, reg.Ready())

	err := reg.Register("late", Schema{}, echo(), 0)
	assert.Equal(t, xerrors.CodeRegistrySealed, xerrors.CodeOf(err))
}

func TestDescriptorsSortedWithDefaults(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("zeta", Schema{}, echo(), 0, WithDescription("last")))
	require.NoError(t, reg.Register("alpha", textSchema, echo(), 2*time.Second))

	descs := reg.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].Name)
	assert.Equal(t, int64(2000), descs[0].TimeoutMS)
	assert.Equal(t, DefaultTimeout.Milliseconds(), descs[1].TimeoutMS)
	assert.Equal(t, "last", descs[1].Description)
}

func TestInvokeReturnsAfterTimeoutEvenIfToolHangs(t *testing.T) {
	reg := NewRegistry()
	block := make(chan struct{})
	defer close(block)
	hang := InvokerFunc(func(context.Context, map[string]any) (any, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, reg.Register("hang", Schema{}, hang, 20*time.Millisecond))
	c, err := reg.Resolve("hang")
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvokeNormalizesErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("plain", Schema{}, InvokerFunc(func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	}), time.Second))
	require.NoError(t, reg.Register("panics", Schema{}, InvokerFunc(func(context.Context, map[string]any) (any, error) {
		panic("nil pointer")
	}), time.Second))
	require.NoError(t, reg.Register("remote", Schema{}, InvokerFunc(func(context.Context, map[string]any) (any, error) {
		return nil, ExternalServiceError(errors.New("502"), "upstream")
	}), time.Second))

	plain, _ := reg.Resolve("plain")
	_, err := plain.Invoke(context.Background(), nil)
	assert.Equal(t, xerrors.CodeToolExecution, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))

	panics, _ := reg.Resolve("panics")
	_, err = panics.Invoke(context.Background(), nil)
	assert.Equal(t, xerrors.CodeToolExecution, xerrors.CodeOf(err))

	remote, _ := reg.Resolve("remote")
	_, err = remote.Invoke(context.Background(), nil)
	assert.Equal(t, xerrors.CodeExternalService, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestInvokeObservesParentCancellation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("slow", Schema{}, InvokerFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), time.Minute))
	c, _ := reg.Resolve("slow")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Invoke(ctx, nil)
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
}

func TestSchemaValidate(t *testing.T) {
	schema := Schema{Params: []Param{
		{Name: "query", Type: TypeString, Required: true},
		{Name: "max_results", Type: TypeInteger, Default: 5},
		{Name: "ratio", Type: TypeNumber},
		{Name: "tags", Type: TypeArray},
	}}

	merged, err := schema.Validate(map[string]any{"query": "go", "ratio": 0.5, "tags": []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, 5, merged["max_results"])

	_, err = schema.Validate(map[string]any{"max_results": 2.5, "extra": true})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "缺少必填参数 query")
	assert.Contains(t, err.Error(), "参数 max_results")
	assert.Contains(t, err.Error(), "未声明的参数 extra")

	_, err = schema.Validate(map[string]any{"query": "go", "max_results": float64(3)})
	assert.NoError(t, err)
}
