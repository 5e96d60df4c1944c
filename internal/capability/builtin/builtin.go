// Package builtin 提供随服务一起发布的内置能力：搜索、计算、文件、网页抓取与数据分析。
package builtin

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 内置能力名称，与规划规则中的名称一致。
const (
	Search     = "intelligent_search"
	Calculator = "calculator"
	FileOps    = "file_operations"
	Fetch      = "web_fetch"
	Analysis   = "data_analysis"
)

const defaultHTTPTTL = 30 * time.Second

// DefaultTimeouts 是内置能力的单次调用上限，未列出的能力使用 capability.DefaultTimeout。
var DefaultTimeouts = map[string]time.Duration{
	Search:  30 * time.Second,
	FileOps: 10 * time.Second,
}

// Config 描述内置能力的依赖。
type Config struct {
	WorkspaceDir  string
	HTTPTimeout   time.Duration
	TavilyAPIKey  string
	TavilyBaseURL string
	MaxFetchBytes int64
	// Timeouts 覆盖单个能力的超时时间。
	Timeouts   map[string]time.Duration
	HTTPClient *http.Client
	Workspace  *Workspace
	Logger     *slog.Logger
}

// Register 把内置能力注册到 reg，返回注册成功的名称。搜索能力只在配置了 API Key 时注册。
func Register(reg *capability.Registry, cfg Config) ([]string, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Named("capability.builtin")
	}
	ws := cfg.Workspace
	if ws == nil {
		var err error
		if ws, err = NewWorkspace(cfg.WorkspaceDir); err != nil {
			return nil, err
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		ttl := cfg.HTTPTimeout
		if ttl <= 0 {
			ttl = defaultHTTPTTL
		}
		client = &http.Client{Timeout: ttl}
	}

	type entry struct {
		name    string
		desc    string
		schema  capability.Schema
		invoker capability.Invoker
	}
	entries := []entry{
		{Calculator, "计算算术表达式", calculatorSchema, capability.InvokerFunc(Calculate)},
		{FileOps, "在工作目录内读取、写入、列举与搜索文件", fileSchema, NewFileOperations(ws)},
		{Fetch, "抓取网页并提取正文", webFetchSchema, NewWebFetch(client, cfg.MaxFetchBytes)},
		{Analysis, "对 CSV/JSON 文件或数字做描述统计", analysisSchema, NewDataAnalysis(ws)},
	}
	if search, err := NewTavilySearch(cfg.TavilyAPIKey, cfg.TavilyBaseURL, client); err == nil {
		entries = append([]entry{{Search, "通过 Tavily 搜索互联网", searchSchema, search}}, entries...)
	} else {
		log.Warn("未配置搜索 API Key，跳过 intelligent_search")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := reg.Register(e.name, e.schema, e.invoker, timeoutFor(e.name, cfg.Timeouts), capability.WithDescription(e.desc)); err != nil {
			return names, fmt.Errorf("注册内置能力 %s 失败: %w", e.name, err)
		}
		names = append(names, e.name)
	}
	log.Info("内置能力已注册", "capabilities", names, "workspace", ws.Root())
	return names, nil
}

func timeoutFor(name string, overrides map[string]time.Duration) time.Duration {
	if d, ok := overrides[name]; ok && d > 0 {
		return d
	}
	if d, ok := DefaultTimeouts[name]; ok {
		return d
	}
	return capability.DefaultTimeout
}
