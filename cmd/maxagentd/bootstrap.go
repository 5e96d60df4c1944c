package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Lewis121025/MAX-AI/internal/agent"
	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/internal/capability/builtin"
	"github.com/Lewis121025/MAX-AI/internal/config"
	"github.com/Lewis121025/MAX-AI/internal/critic"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/executor"
	"github.com/Lewis121025/MAX-AI/internal/llm"
	"github.com/Lewis121025/MAX-AI/internal/llm/openai"
	"github.com/Lewis121025/MAX-AI/internal/observability/alerting"
	"github.com/Lewis121025/MAX-AI/internal/observability/metrics"
	"github.com/Lewis121025/MAX-AI/internal/planner"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/internal/storage/filestore"
	"github.com/Lewis121025/MAX-AI/internal/storage/redisstore"
	"github.com/Lewis121025/MAX-AI/internal/storage/sqlstore"
	"github.com/Lewis121025/MAX-AI/internal/task"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
	"github.com/Lewis121025/MAX-AI/pkg/plugin"
)

// runtime 持有一次进程运行期间装配出的组件。
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *capability.Registry
	workspace *builtin.Workspace
	planner   *planner.Planner
	sessions  *session.Coordinator
	agent     *agent.Agent
	metrics   *metrics.Collector
	alerts    alerting.Dispatcher
	plugins   *plugin.Manager

	closers []func() error
}

// loadConfig 读取配置文件；路径为空且默认文件不存在时使用内置默认值。
func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("MAXAI_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = filepath.Join("configs", "maxai.yaml")
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			wd, _ := os.Getwd()
			return config.Default(wd), nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return config.Load(path)
}

func initLogging(cfg config.LoggingConfig) error {
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.AuditPath != "",
			Path:       cfg.AuditPath,
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	})
}

// newRuntime 装配能力注册表、规划器、会话与 Agent，供各子命令共享。
func newRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger.Named("maxagentd"), metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if err := rt.buildRegistry(ctx); err != nil {
		return nil, err
	}

	store, err := rt.openSessionStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.sessions = session.NewCoordinator(store, session.WithHistoryDepth(cfg.Orchestrator.HistoryDepth))

	var rules []planner.Rule
	if cfg.Planner.RulesFile != "" {
		if rules, err = planner.LoadRules(cfg.Planner.RulesFile); err != nil {
			return nil, err
		}
	}
	rt.planner = planner.New(rt.registry, planner.WithRules(rules...))
	rt.alerts = newAlerts(cfg.Alerting)

	o := cfg.Orchestrator
	opts := []agent.Option{
		agent.WithExecutor(executor.New(
			executor.WithMaxAttempts(o.MaxAttempts),
			executor.WithBackoff(o.RetryBackoff(), o.MaxBackoff()),
			executor.WithRecorder(rt.metrics),
		)),
		agent.WithCritic(critic.NewDeterministic(o.Fallbacks)),
		agent.WithMaxIterations(o.MaxIterations),
		agent.WithFailOnEmptyResult(o.FailOnEmptyResult),
		agent.WithTaskRecorder(rt.metrics),
	}
	if rt.alerts != nil {
		opts = append(opts, agent.WithAlertDispatcher(rt.alerts))
	}
	polisher, err := newPolisher(cfg.LLM)
	if err != nil {
		return nil, err
	}
	if polisher != nil {
		opts = append(opts, agent.WithPolisher(polisher, cfg.LLM.Timeout()))
	} else {
		rt.logger.Info("未配置大模型，最终答案使用本地汇总")
	}
	rt.agent = agent.New(rt.registry, rt.planner, rt.sessions, opts...)
	return rt, nil
}

// buildRegistry 注册内置能力与插件能力，随后封存注册表。
func (rt *runtime) buildRegistry(ctx context.Context) error {
	cfg := rt.cfg
	ws, err := builtin.NewWorkspace(cfg.Capabilities.WorkspaceDir)
	if err != nil {
		return err
	}
	rt.workspace = ws
	rt.registry = capability.NewRegistry()

	names := []string{builtin.Search, builtin.Calculator, builtin.FileOps, builtin.Fetch, builtin.Analysis}
	for name := range cfg.Orchestrator.CapabilityTimeouts {
		names = append(names, name)
	}
	timeouts := make(map[string]time.Duration, len(names))
	for _, name := range names {
		timeouts[name] = cfg.Orchestrator.TimeoutFor(name)
	}
	client := &http.Client{Timeout: cfg.Capabilities.HTTPTimeout()}
	if _, err := builtin.Register(rt.registry, builtin.Config{
		HTTPTimeout:   cfg.Capabilities.HTTPTimeout(),
		TavilyAPIKey:  cfg.Capabilities.TavilyAPIKey,
		TavilyBaseURL: cfg.Capabilities.TavilyBaseURL,
		MaxFetchBytes: int64(cfg.Capabilities.MaxFetchBytes),
		Timeouts:      timeouts,
		HTTPClient:    client,
		Workspace:     ws,
	}); err != nil {
		return err
	}

	if cfg.Plugins.ManifestPath != "" {
		if err := rt.loadPlugins(ctx, client); err != nil {
			return err
		}
	}
	rt.registry.Seal()
	return nil
}

func (rt *runtime) loadPlugins(ctx context.Context, client *http.Client) error {
	manifest, err := plugin.LoadManagerConfig(rt.cfg.Plugins.ManifestPath)
	if err != nil {
		return err
	}
	manager, err := plugin.NewManager(manifest,
		plugin.WithResource("fs:workspace", rt.workspace.Root()),
		plugin.WithResource("net:http_client", client),
	)
	if err != nil {
		return err
	}
	rt.plugins = manager
	rt.closers = append(rt.closers, func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return manager.StopAll(stopCtx)
	})
	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	names, err := manager.RegisterCapabilities(rt.registry)
	if err != nil {
		return err
	}
	rt.logger.Info("插件能力已注册", "plugins", manager.IDs(), "capabilities", names)
	return nil
}

// openSessionStore 按驱动创建会话存储。
func (rt *runtime) openSessionStore(ctx context.Context) (session.Store, error) {
	sc := rt.cfg.Storage.Sessions
	switch strings.ToLower(sc.Driver) {
	case "memory":
		return session.NewMemoryStore(), nil
	case "", "file":
		return filestore.New(sc.Dir)
	case "mysql", "sqlite", "sqlite3":
		db, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:          sc.Driver,
			DSN:             sc.DSN,
			MaxOpenConns:    sc.MaxOpenConns,
			MaxIdleConns:    sc.MaxIdleConns,
			ConnMaxLifetime: sc.ConnMaxLifetime(),
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		return sqlstore.NewSessionStore(db), nil
	case "redis":
		store, err := redisstore.New(ctx, redisstore.Config{
			Address:  sc.Redis.Address,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的会话存储驱动: %s", sc.Driver))
	}
}

// newTaskService 创建作业存储与队列。返回的 Service 负责关闭二者。
func (rt *runtime) newTaskService(ctx context.Context) (*task.Service, task.Queue, task.Store, error) {
	cfg := rt.cfg
	var store task.Store
	switch strings.ToLower(cfg.Storage.TaskStore.Driver) {
	case "", "memory":
		store = task.NewMemoryStore()
	case "mysql", "sqlite", "sqlite3":
		db, err := sqlstore.Open(ctx, sqlstore.Config{Driver: cfg.Storage.TaskStore.Driver, DSN: cfg.Storage.TaskStore.DSN})
		if err != nil {
			return nil, nil, nil, err
		}
		store = task.NewSQLStore(db)
	default:
		return nil, nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的作业存储驱动: %s", cfg.Storage.TaskStore.Driver))
	}

	queue, err := newQueue(ctx, cfg.TaskQueue)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	svc := task.NewService(store, queue, cfg.Storage.TaskStore.Retries)
	rt.closers = append(rt.closers, svc.Close)
	return svc, queue, store, nil
}

func newQueue(ctx context.Context, cfg config.TaskQueueConfig) (task.Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		size := cfg.Size
		if size <= 0 {
			size = 1024
		}
		return task.NewMemoryQueue(size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver))
	}
}

// newPolisher 在配置了 API Key 时创建润色客户端，provider 为 none 时禁用。
func newPolisher(cfg config.LLMConfig) (llm.Polisher, error) {
	if strings.EqualFold(cfg.Provider, "none") || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, nil
	}
	return openai.NewClient(openai.Config{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout(),
	})
}

func newAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.LogAlerts {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, 5*time.Second))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// summary 是 /api/status 中展示的非敏感配置。
func (rt *runtime) summary() map[string]any {
	cfg := rt.cfg
	return map[string]any{
		"session_store":   cfg.Storage.Sessions.Driver,
		"task_store":      cfg.Storage.TaskStore.Driver,
		"task_queue":      cfg.TaskQueue.Driver,
		"llm_provider":    cfg.LLM.Provider,
		"llm_model":       cfg.LLM.Model,
		"polish_enabled":  !strings.EqualFold(cfg.LLM.Provider, "none") && cfg.LLM.APIKey != "",
		"max_iterations":  cfg.Orchestrator.MaxIterations,
		"max_attempts":    cfg.Orchestrator.MaxAttempts,
		"history_depth":   cfg.Orchestrator.HistoryDepth,
		"search_enabled":  rt.registry != nil && rt.registry.Has(builtin.Search),
		"plugins_enabled": rt.plugins != nil,
		"workspace":       rt.workspace.Root(),
	}
}

// Close 按创建的逆序释放资源。
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
