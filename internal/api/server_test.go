package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lewis121025/MAX-AI/internal/agent"
	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/internal/capability/builtin"
	"github.com/Lewis121025/MAX-AI/internal/observability/metrics"
	"github.com/Lewis121025/MAX-AI/internal/planner"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/internal/stream"
	"github.com/Lewis121025/MAX-AI/internal/task"
)

type fixture struct {
	server   *Server
	sessions *session.Coordinator
	http     *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register("calculator", capability.Schema{AllowExtra: true},
		capability.InvokerFunc(func(context.Context, map[string]any) (any, error) { return "1 + 2 = 3", nil }),
		time.Second, capability.WithDescription("四则运算")))
	reg.Seal()

	sessions := session.NewCoordinator(session.NewMemoryStore())
	ag := agent.New(reg, planner.New(reg), sessions)
	srv := NewServer(":0", ag, sessions, append([]Option{WithRegistry(reg)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: srv, sessions: sessions, http: ts}
}

func (f *fixture) chat(t *testing.T, body string) []stream.Event {
	t.Helper()
	resp, err := http.Post(f.http.URL+"/api/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return readEvents(t, resp.Body)
}

func readEvents(t *testing.T, r io.Reader) []stream.Event {
	t.Helper()
	reader := stream.NewSSEReader(r)
	var events []stream.Event
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSanitizeQuery(t *testing.T) {
	q, err := sanitizeQuery("  hello \n", 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", q)

	_, err = sanitizeQuery("look <SCRIPT>alert(1)</script>", 100)
	assert.Error(t, err)
	_, err = sanitizeQuery("javascript:void(0)", 100)
	assert.Error(t, err)

	_, err = sanitizeQuery(strings.Repeat("字", 11), 10)
	assert.Error(t, err)
	_, err = sanitizeQuery(strings.Repeat("字", 10), 10)
	assert.NoError(t, err)
}

func TestChatStreamsEventsAndPersistsSession(t *testing.T) {
	f := newFixture(t)
	events := f.chat(t, `{"query":"你好"}`)
	require.NotEmpty(t, events)

	assert.Equal(t, stream.NodeSession, events[0].Node)
	assert.Equal(t, stream.NodeDone, events[len(events)-1].Node)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
	id, _ := events[0].Data["session_id"].(string)
	require.True(t, session.ValidID(id))

	resp, err := http.Get(f.http.URL + "/api/sessions")
	require.NoError(t, err)
	var list struct {
		Sessions []session.Summary `json:"sessions"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].ID)
	assert.Equal(t, "你好", list.Sessions[0].Title)

	resp, err = http.Get(f.http.URL + "/api/sessions/" + id)
	require.NoError(t, err)
	var hist struct {
		History []session.Message `json:"history"`
	}
	decode(t, resp, &hist)
	require.Len(t, hist.History, 2)
	assert.Equal(t, session.RoleHuman, hist.History[0].Role)
	assert.Equal(t, session.RoleAI, hist.History[1].Role)

	// 同一会话的第二轮对话沿用会话 ID。
	events = f.chat(t, `{"query":"谢谢","session_id":"`+id+`"}`)
	assert.Equal(t, id, events[0].Data["session_id"])

	req, _ := http.NewRequest(http.MethodDelete, f.http.URL+"/api/sessions/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/api/sessions/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, WithMaxQueryLength(20))
	cases := map[string]string{
		"script":     `{"query":"<script>alert(1)</script>"}`,
		"too long":   `{"query":"` + strings.Repeat("a", 21) + `"}`,
		"empty":      `{"query":"   "}`,
		"bad json":   `{"query":`,
		"session id": `{"query":"hi","session_id":"Bad ID!"}`,
		"upload ref": `{"query":"hi","uploads":["a.csv"]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(f.http.URL+"/api/chat", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			var out errorBody
			decode(t, resp, &out)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out.Error)
		})
	}
}

func multipartBody(t *testing.T, query, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("query", query))
	part, err := mw.CreateFormFile("files", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestChatSavesUploadsToWorkspace(t *testing.T) {
	ws := builtin.NewMemWorkspace()
	f := newFixture(t, WithUploads(ws))

	body, ctype := multipartBody(t, "你好", "../notes.txt", "hello")
	resp, err := http.Post(f.http.URL+"/api/chat", ctype, body)
	require.NoError(t, err)
	events := readEvents(t, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stream.NodeDone, events[len(events)-1].Node)

	data, err := afero.ReadFile(ws.FS(), "uploads/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	body, ctype = multipartBody(t, "你好", "run.exe", "MZ")
	resp, err = http.Post(f.http.URL+"/api/chat", ctype, body)
	require.NoError(t, err)
	var out errorBody
	decode(t, resp, &out)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Error, "run.exe")
}

func TestChatWebSocket(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	next := func() stream.Event {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev stream.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	}

	require.NoError(t, conn.WriteJSON(ChatRequest{Query: "<script>x</script>"}))
	ev := next()
	assert.Equal(t, stream.NodeError, ev.Node)
	assert.Zero(t, ev.Seq)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("你好")))
	var nodes []stream.Node
	for {
		ev := next()
		nodes = append(nodes, ev.Node)
		if ev.Node.Terminal() {
			break
		}
	}
	assert.Equal(t, stream.NodeSession, nodes[0])
	assert.Equal(t, stream.NodeDone, nodes[len(nodes)-1])
}

func TestChatWebSocketRejectsUploadsOutsideWorkspace(t *testing.T) {
	f := newFixture(t, WithUploads(builtin.NewMemWorkspace()))
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ChatRequest{Query: "分析这个文件", Uploads: []string{"../../etc/passwd"}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev stream.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, stream.NodeError, ev.Node)
	assert.Zero(t, ev.Seq)
	assert.Contains(t, ev.Data["message"], "../../etc/passwd")

	resp, err := http.Post(f.http.URL+"/api/chat", "application/json",
		strings.NewReader(`{"query":"hi","uploads":["../../etc/passwd"]}`))
	require.NoError(t, err)
	var out errorBody
	decode(t, resp, &out)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskEndpoints(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(8), 3)
	f := newFixture(t, WithTaskService(svc))
	base := f.http.URL + "/api/v1/tasks"

	resp, err := http.Post(base, "application/json", strings.NewReader(`{"query":"计算 1+2"}`))
	require.NoError(t, err)
	var job task.Task
	decode(t, resp, &job)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, task.StatusPending, job.Status)
	assert.NotEmpty(t, job.SessionID)

	resp, err = http.Get(base + "?id=" + job.ID)
	require.NoError(t, err)
	var got task.Task
	decode(t, resp, &got)
	assert.Equal(t, job.ID, got.ID)

	resp, err = http.Get(base + "?id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(base + "?status=pending&limit=5")
	require.NoError(t, err)
	var jobs []task.Task
	decode(t, resp, &jobs)
	assert.Len(t, jobs, 1)

	resp, err = http.Get(base + "?status=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(base, "application/json", strings.NewReader(`{"query":" "}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPut, base, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTaskEndpointsDisabled(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/api/v1/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusHealthAndMetrics(t *testing.T) {
	collector := metrics.New()
	f := newFixture(t, WithMetrics(collector), WithConfigSummary(map[string]any{"llm_provider": "none"}))

	resp, err := http.Get(f.http.URL + "/api/status")
	require.NoError(t, err)
	var status struct {
		Status       string                  `json:"status"`
		Ready        bool                    `json:"ready"`
		Capabilities []capability.Descriptor `json:"capabilities"`
		Config       map[string]any          `json:"config"`
	}
	decode(t, resp, &status)
	assert.Equal(t, "running", status.Status)
	assert.True(t, status.Ready)
	require.Len(t, status.Capabilities, 1)
	assert.Equal(t, "calculator", status.Capabilities[0].Name)
	assert.Equal(t, "四则运算", status.Capabilities[0].Description)
	assert.Equal(t, "none", status.Config["llm_provider"])

	resp, err = http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	decode(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])

	resp, err = http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `maxai_http_requests_total{code="200",handler="status",method="GET"} 1`)
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
