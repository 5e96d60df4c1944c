package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 MAX-AI 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Planner      PlannerConfig      `json:"planner" yaml:"planner"`
	Capabilities CapabilityConfig   `json:"capabilities" yaml:"capabilities"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	TaskQueue    TaskQueueConfig    `json:"task_queue" yaml:"task_queue"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Plugins      PluginConfig       `json:"plugins" yaml:"plugins"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MaxQueryLength int    `json:"max_query_length" yaml:"max_query_length"`
	EnableMetrics  bool   `json:"enable_metrics" yaml:"enable_metrics"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// OrchestratorConfig 约束规划-执行-评估循环。
type OrchestratorConfig struct {
	MaxIterations      int               `json:"max_iterations" yaml:"max_iterations"`
	MaxAttempts        int               `json:"max_attempts" yaml:"max_attempts"`
	RetryBackoffMS     int               `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	MaxBackoffMS       int               `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	DefaultTimeoutSec  int               `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`
	CapabilityTimeouts map[string]int    `json:"capability_timeouts" yaml:"capability_timeouts"`
	Fallbacks          map[string]string `json:"fallbacks" yaml:"fallbacks"`
	FailOnEmptyResult  bool              `json:"fail_on_empty_result" yaml:"fail_on_empty_result"`
	HistoryDepth       int               `json:"history_depth" yaml:"history_depth"`
}

// PlannerConfig 允许追加自定义的规则文件。
type PlannerConfig struct {
	RulesFile string `json:"rules_file" yaml:"rules_file"`
}

// CapabilityConfig 控制内置能力。
type CapabilityConfig struct {
	WorkspaceDir   string `json:"workspace_dir" yaml:"workspace_dir"`
	HTTPTimeoutSec int    `json:"http_timeout_seconds" yaml:"http_timeout_seconds"`
	TavilyAPIKey   string `json:"tavily_api_key" yaml:"tavily_api_key"`
	TavilyBaseURL  string `json:"tavily_base_url" yaml:"tavily_base_url"`
	MaxFetchBytes  int    `json:"max_fetch_bytes" yaml:"max_fetch_bytes"`
}

// StorageConfig 统一描述会话与任务存储。
type StorageConfig struct {
	Sessions  SessionStoreConfig `json:"sessions" yaml:"sessions"`
	TaskStore TaskStoreConfig    `json:"task_store" yaml:"task_store"`
}

// SessionStoreConfig 描述会话持久化后端。
type SessionStoreConfig struct {
	Driver             string      `json:"driver" yaml:"driver"`
	DSN                string      `json:"dsn" yaml:"dsn"`
	Dir                string      `json:"dir" yaml:"dir"`
	Redis              RedisConfig `json:"redis" yaml:"redis"`
	MaxOpenConns       int         `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns       int         `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int         `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// TaskStoreConfig 描述异步任务的存储。
type TaskStoreConfig struct {
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
	Retries int    `json:"retries" yaml:"retries"`
}

// RedisConfig 是 Redis 的连接参数。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Queue     string `json:"queue" yaml:"queue"`
	BlockWait int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// TaskQueueConfig 描述异步任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Worker   int            `json:"worker" yaml:"worker"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// LLMConfig 用于配置最终答案润色的模型调用。
type LLMConfig struct {
	Provider    string  `json:"provider" yaml:"provider"`
	APIKey      string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv   string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	TimeoutSec  int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	LogAlerts  bool   `json:"log_alerts" yaml:"log_alerts"`
}

// PluginConfig 指向能力插件清单。
type PluginConfig struct {
	ManifestPath string `json:"manifest_path" yaml:"manifest_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default 返回无配置文件时使用的默认配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyEnv 用环境变量覆盖敏感信息与常用开关。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("MAXAI_SERVER_ADDRESS")); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("TAVILY_API_KEY")); v != "" && c.Capabilities.TavilyAPIKey == "" {
		c.Capabilities.TavilyAPIKey = v
	}
	if c.LLM.APIKey == "" {
		env := c.LLM.APIKeyEnv
		if env == "" {
			env = "OPENROUTER_API_KEY"
			if strings.EqualFold(c.LLM.Provider, "openai") {
				env = "OPENAI_API_KEY"
			}
		}
		c.LLM.APIKey = strings.TrimSpace(os.Getenv(env))
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MaxQueryLength <= 0 {
		c.Server.MaxQueryLength = 10000
	}

	o := &c.Orchestrator
	if o.MaxIterations <= 0 {
		o.MaxIterations = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoffMS <= 0 {
		o.RetryBackoffMS = 200
	}
	if o.MaxBackoffMS <= 0 {
		o.MaxBackoffMS = 2000
	}
	if o.DefaultTimeoutSec <= 0 {
		o.DefaultTimeoutSec = 60
	}
	if o.CapabilityTimeouts == nil {
		o.CapabilityTimeouts = map[string]int{}
	}
	for name, sec := range map[string]int{"intelligent_search": 30, "file_operations": 10} {
		if _, ok := o.CapabilityTimeouts[name]; !ok {
			o.CapabilityTimeouts[name] = sec
		}
	}
	if o.HistoryDepth <= 0 {
		o.HistoryDepth = 6
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	caps := &c.Capabilities
	if caps.WorkspaceDir == "" {
		caps.WorkspaceDir = filepath.Join(c.Runtime.DataDir, "workspace")
	} else if !filepath.IsAbs(caps.WorkspaceDir) {
		caps.WorkspaceDir = filepath.Join(baseDir, caps.WorkspaceDir)
	}
	if caps.HTTPTimeoutSec <= 0 {
		caps.HTTPTimeoutSec = 20
	}
	if caps.MaxFetchBytes <= 0 {
		caps.MaxFetchBytes = 200 * 1024
	}

	if c.Planner.RulesFile != "" && !filepath.IsAbs(c.Planner.RulesFile) {
		c.Planner.RulesFile = filepath.Join(baseDir, c.Planner.RulesFile)
	}

	sessions := &c.Storage.Sessions
	if sessions.Driver == "" {
		sessions.Driver = "file"
	}
	if sessions.Dir == "" {
		sessions.Dir = filepath.Join(c.Runtime.DataDir, "sessions")
	} else if !filepath.IsAbs(sessions.Dir) {
		sessions.Dir = filepath.Join(baseDir, sessions.Dir)
	}
	if sessions.Redis.Prefix == "" {
		sessions.Redis.Prefix = "maxai"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openrouter"
	}
	if c.LLM.TimeoutSec <= 0 {
		c.LLM.TimeoutSec = 30
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.3
	}

	if c.Plugins.ManifestPath != "" && !filepath.IsAbs(c.Plugins.ManifestPath) {
		c.Plugins.ManifestPath = filepath.Join(baseDir, c.Plugins.ManifestPath)
	}
}

// RetryBackoff 返回重试的基础退避时间。
func (o OrchestratorConfig) RetryBackoff() time.Duration {
	return time.Duration(o.RetryBackoffMS) * time.Millisecond
}

// MaxBackoff 返回单次退避的上限。
func (o OrchestratorConfig) MaxBackoff() time.Duration {
	return time.Duration(o.MaxBackoffMS) * time.Millisecond
}

// TimeoutFor 返回指定能力的超时时间。
func (o OrchestratorConfig) TimeoutFor(capability string) time.Duration {
	if sec, ok := o.CapabilityTimeouts[capability]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return time.Duration(o.DefaultTimeoutSec) * time.Second
}

// Timeout 返回润色调用的超时时间。
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

// HTTPTimeout 返回内置 HTTP 能力的超时时间。
func (c CapabilityConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

// ConnMaxLifetime 返回连接的最长存活时间。
func (s SessionStoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSec) * time.Second
}
