package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Lewis121025/MAX-AI/internal/agent"
	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/internal/capability/builtin"
	"github.com/Lewis121025/MAX-AI/internal/observability/metrics"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/internal/task"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

// DefaultMaxQueryLength 是查询允许的最大字符数。
const DefaultMaxQueryLength = 10000

// Option 调整 Server。
type Option func(*Server)

// WithRegistry 让状态接口列出已注册的能力。
func WithRegistry(r *capability.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithTaskService 启用异步作业接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithUploads 指定上传文件写入的工作区，未设置时拒绝上传。
func WithUploads(ws *builtin.Workspace) Option {
	return func(s *Server) { s.uploads = ws }
}

// WithConfigSummary 设置状态接口中展示的配置摘要。
func WithConfigSummary(summary map[string]any) Option {
	return func(s *Server) { s.summary = summary }
}

// WithMaxQueryLength 覆盖查询长度上限。
func WithMaxQueryLength(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxQueryLength = n
		}
	}
}

// WithLogger 替换日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 负责暴露 REST、SSE 与 WebSocket 接口，供外部驱动智能体执行。
type Server struct {
	addr     string
	agent    *agent.Agent
	sessions *session.Coordinator

	registry *capability.Registry
	tasks    *task.Service
	metrics  *metrics.Collector
	uploads  *builtin.Workspace
	summary  map[string]any

	maxQueryLength int
	logger         *slog.Logger
	startedAt      time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, sessions *session.Coordinator, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		agent:          ag,
		sessions:       sessions,
		maxQueryLength: DefaultMaxQueryLength,
		logger:         logger.Named("api"),
		startedAt:      time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/chat", "chat", s.handleChat)
	s.route(mux, "GET /api/chat/ws", "chat_ws", s.handleChatWS)
	s.route(mux, "GET /api/sessions", "sessions", s.handleListSessions)
	s.route(mux, "GET /api/sessions/{id}", "session_history", s.handleSessionHistory)
	s.route(mux, "DELETE /api/sessions/{id}", "session_delete", s.handleDeleteSession)
	s.route(mux, "/api/v1/tasks", "tasks", s.handleTasks)
	s.route(mux, "GET /api/status", "status", s.handleStatus)
	s.route(mux, "GET /health", "health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(name, fn))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 流式接口的响应时间取决于任务本身，这里不设置 WriteTimeout。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", "address", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		}
		s.logger.Debug("请求完成", "handler", name, "method", r.Method, "status", rec.status, "elapsed", elapsed)
	})
}

// statusRecorder 记录响应码，同时保留 Flusher 与 Hijacker 能力。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("响应不支持连接接管")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
