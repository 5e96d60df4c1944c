package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/internal/stream"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("TAVILY_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("MAXAI_CONFIG", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "maxai.yaml")
	content := `
logging:
  level: error
llm:
  provider: none
runtime:
  data_dir: data
storage:
  sessions:
    driver: file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestCapabilitiesListsBuiltins(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "capabilities", "--config", cfg, "--json")
	require.NoError(t, err)
	var descs []capability.Descriptor
	require.NoError(t, json.Unmarshal([]byte(out), &descs))
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "calculator")
	assert.Contains(t, names, "file_operations")
	assert.NotContains(t, names, "intelligent_search")

	out, err = execute(t, "caps", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "calculator")
	assert.Contains(t, out, "expression")
}

func TestAskRendersEvents(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "ask", "--config", cfg, "-v", "计算 (3 + 5) * 2")
	require.NoError(t, err)
	assert.Contains(t, out, "会话")
	assert.Contains(t, out, "✓ calculator")
	assert.Contains(t, out, "16")
	assert.Contains(t, out, "成功率 1/1")
}

func TestAskJSONAndSessions(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "ask", "--config", cfg, "--json", "你好")
	require.NoError(t, err)
	var events []stream.Event
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev stream.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, stream.NodeSession, events[0].Node)
	assert.Equal(t, stream.NodeDone, events[len(events)-1].Node)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	id, _ := events[0].Data["session_id"].(string)
	require.NotEmpty(t, id)

	out, err = execute(t, "sessions", "list", "--config", cfg, "--json")
	require.NoError(t, err)
	var list []session.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "你好", list[0].Title)

	out, err = execute(t, "sessions", "show", "--config", cfg, id)
	require.NoError(t, err)
	assert.Contains(t, out, "你好")

	_, err = execute(t, "sessions", "delete", "--config", cfg, id)
	require.NoError(t, err)
	_, err = execute(t, "sessions", "show", "--config", cfg, id)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestAskErrorCarriesCode(t *testing.T) {
	err := askError(map[string]any{
		"message": "任务规划失败",
		"details": map[string]any{"code": "PLANNING"},
	})
	assert.Equal(t, xerrors.CodePlanning, xerrors.CodeOf(err))
	assert.Error(t, askError(map[string]any{"message": "boom"}))
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("MAXAI_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)

	_, err = loadConfig("missing.yaml")
	assert.Error(t, err)
}

func TestUnknownSessionDriver(t *testing.T) {
	cfg := writeConfig(t)
	c, err := loadConfig(cfg)
	require.NoError(t, err)
	c.Storage.Sessions.Driver = "cassandra"

	rt := &runtime{cfg: c}
	_, err = rt.openSessionStore(context.Background())
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
