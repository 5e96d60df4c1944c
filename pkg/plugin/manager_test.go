package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

type fakePlugin struct {
	info      Info
	specs     []CapabilitySpec
	started   bool
	stopped   bool
	resources map[string]any
	configErr error
}

func (f *fakePlugin) Info() Info { return f.info }

func (f *fakePlugin) Configure(cfg map[string]any) error {
	if f.configErr != nil {
		return f.configErr
	}
	cfg["configured"] = true
	return nil
}

func (f *fakePlugin) Init(ctx *ExecutionContext) error {
	f.resources = ctx.Resources
	return nil
}

func (f *fakePlugin) Start(*ExecutionContext) error {
	f.started = true
	return nil
}

func (f *fakePlugin) Stop(*ExecutionContext) error {
	f.stopped = true
	return nil
}

type providerPlugin struct {
	*fakePlugin
}

func (p providerPlugin) Capabilities() []CapabilitySpec { return p.specs }

func echoSpec(name string) CapabilitySpec {
	return CapabilitySpec{
		Name:        name,
		Description: "echo",
		Params:      []Param{{Name: "text", Type: "string", Required: true}},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestLoadManagerConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pluginDir: ./bin
defaults:
  deniedPermissions: [execution]
plugins:
  echo:
    enabled: true
    path: echo.so
    timeoutSeconds: 3
    config:
      greeting: hi
`), 0o600))

	cfg, err := LoadManagerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bin"), cfg.PluginDir)
	assert.Equal(t, []Permission{PermissionExecution}, cfg.Defaults.DeniedPermissions)
	require.Contains(t, cfg.Plugins, "echo")
	assert.Equal(t, 3, cfg.Plugins["echo"].TimeoutSeconds)
	assert.Equal(t, "hi", cfg.Plugins["echo"].Config["greeting"])

	_, err = LoadManagerConfig("")
	assert.Error(t, err)
}

func TestValidateRejectsEnabledPluginWithoutPath(t *testing.T) {
	cfg := ManagerConfig{Plugins: map[string]PluginConfig{"x": {Enabled: true}}}
	assert.Error(t, cfg.Validate())
	cfg.Plugins["x"] = PluginConfig{Enabled: false}
	assert.NoError(t, cfg.Validate())
}

func TestManagerRegistersPluginCapabilities(t *testing.T) {
	echo := providerPlugin{&fakePlugin{info: Info{ID: "echo"}, specs: []CapabilitySpec{echoSpec("echo")}}}
	hook := &fakePlugin{info: Info{ID: "hook", Category: TypeHook}}
	cfg := ManagerConfig{
		PluginDir: "/plugins",
		Plugins: map[string]PluginConfig{
			"echo":     {Enabled: true, Path: "echo.so", TimeoutSeconds: 2},
			"hook":     {Enabled: true, Path: "hook.so"},
			"disabled": {Enabled: false, Path: "missing.so"},
		},
	}
	m, err := NewManager(cfg, WithLoader(StaticLoader{
		"echo.so": func() Plugin { return echo },
		"hook.so": func() Plugin { return hook },
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hook"}, m.IDs())

	reg := capability.NewRegistry()
	_, err = m.RegisterCapabilities(reg)
	require.Error(t, err, "capabilities require a started plugin")

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, echo.started)
	assert.True(t, hook.started)

	names, err := m.RegisterCapabilities(reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, names)
	reg.Seal()

	c, err := reg.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.Timeout())
	out, err := c.Invoke(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = c.Schema().Validate(map[string]any{})
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	assert.Equal(t, "echo", c.Description())

	infos := m.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, TypeCapability, infos[0].Category)
	assert.Equal(t, TypeHook, infos[1].Category)

	require.NoError(t, m.StopAll(context.Background()))
	assert.True(t, echo.stopped)
	state, err := m.State("hook")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)
}

func TestRegisterCapabilitiesRejectsDuplicates(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	p := providerPlugin{&fakePlugin{info: Info{ID: "dup"}, specs: []CapabilitySpec{echoSpec("calculator")}}}
	require.NoError(t, m.Register("dup", p, nil, IsolationPolicy{}))
	require.NoError(t, m.StartAll(context.Background()))

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register("calculator", capability.Schema{}, capability.InvokerFunc(
		func(context.Context, map[string]any) (any, error) { return nil, nil }), 0))

	_, err = m.RegisterCapabilities(reg)
	assert.Equal(t, xerrors.CodeDuplicateCapability, xerrors.CodeOf(err))
}

func TestRegisterSpecRejectsUnknownParamType(t *testing.T) {
	spec := echoSpec("bad")
	spec.Params[0].Type = "uuid"
	assert.Error(t, registerSpec(capability.NewRegistry(), spec, 0))

	spec = echoSpec("noop")
	spec.Invoke = nil
	assert.Error(t, registerSpec(capability.NewRegistry(), spec, 0))
}

func TestPermissionPolicy(t *testing.T) {
	m, err := NewManager(ManagerConfig{Defaults: IsolationPolicy{DeniedPermissions: []Permission{PermissionExecution}}},
		WithResource("fs:workspace", "/data"), WithResource("net:client", "client"), WithResource("version", "1"))
	require.NoError(t, err)

	runner := &fakePlugin{info: Info{ID: "runner", Permissions: []Permission{PermissionExecution}}}
	assert.Error(t, m.Register("runner", runner, nil, IsolationPolicy{}))

	reader := &fakePlugin{info: Info{ID: "reader", Permissions: []Permission{PermissionFilesystem}}}
	require.NoError(t, m.Register("reader", reader, nil, IsolationPolicy{}))
	require.NoError(t, m.Start(context.Background(), "reader"))
	assert.Equal(t, "/data", reader.resources["fs:workspace"])
	assert.Equal(t, "1", reader.resources["version"])
	assert.NotContains(t, reader.resources, "net:client")

	mismatch := &fakePlugin{info: Info{ID: "other"}}
	assert.Error(t, m.Register("reader2", mismatch, nil, IsolationPolicy{}))

	failing := &fakePlugin{info: Info{ID: "failing"}, configErr: errors.New("bad config")}
	assert.Error(t, m.Register("failing", failing, nil, IsolationPolicy{}))
}

func TestStaticLoaderAndSymbols(t *testing.T) {
	echo := &fakePlugin{info: Info{ID: "echo"}}
	l := StaticLoader{"echo.so": func() Plugin { return echo }}

	p, err := l.Load("/opt/plugins/echo.so")
	require.NoError(t, err)
	assert.Same(t, echo, p)
	_, err = l.Load("missing.so")
	assert.Error(t, err)

	var asPlugin Plugin = echo
	for _, symbol := range []any{
		asPlugin,
		&asPlugin,
		func() Plugin { return echo },
		func() (Plugin, error) { return echo, nil },
	} {
		got, err := fromSymbol(symbol)
		require.NoError(t, err)
		assert.Same(t, echo, got)
	}
	_, err = fromSymbol(42)
	assert.Error(t, err)
	var nilPlugin Plugin
	_, err = fromSymbol(&nilPlugin)
	assert.Error(t, err)
}

func TestEnsurePolicyRequiresPolicyForPermissions(t *testing.T) {
	info := Info{ID: "net", Permissions: []Permission{PermissionNetwork}}
	assert.Error(t, EnsurePolicy(info, IsolationPolicy{}))
	assert.NoError(t, EnsurePolicy(info, IsolationPolicy{AllowedPermissions: []Permission{PermissionNetwork}}))
	assert.NoError(t, EnsurePolicy(Info{ID: "plain"}, IsolationPolicy{}))

	err := PermissionStrategy{}.Validate(info, IsolationPolicy{AllowedPermissions: []Permission{PermissionFilesystem}})
	assert.ErrorContains(t, err, "allow list")
}
