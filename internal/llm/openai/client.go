// Package openai 基于 OpenAI 官方 SDK 实现润色调用，兼容 OpenRouter 等 OpenAI 协议的服务。
package openai

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/llm"
)

const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultModelName  = "anthropic/claude-3.5-sonnet"
	defaultTimeout    = 30 * time.Second
	maxHistory        = 10
	maxTokens         = 2048
)

// Config 描述了调用 Chat Completions 接口所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Headers     map[string]string
}

// Client 通过 Chat Completions 接口润色最终答案。
type Client struct {
	client      openai.Client
	model       string
	temperature float64
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供大模型 API Key")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = OpenRouterBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &Client{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Polish 实现 llm.Polisher，只发起一次请求。
func (c *Client) Polish(ctx context.Context, req llm.Request) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(llm.SystemPrompt)}
	history := req.History
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	for _, h := range history {
		switch h.Role {
		case "human":
			messages = append(messages, openai.UserMessage(h.Content))
		case "ai":
			messages = append(messages, openai.AssistantMessage(h.Content))
		}
	}
	messages = append(messages, openai.UserMessage(llm.BuildContext(req)))

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.model),
		Messages:  messages,
		MaxTokens: openai.Int(maxTokens),
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(completion.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeExternalService, "模型响应中没有有效的 choices")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", xerrors.New(xerrors.CodeExternalService, "模型响应内容为空")
	}
	return content, nil
}

func classify(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "润色调用超时")
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeCancelled, err, "润色调用已取消")
	}
	var apiErr *openai.Error
	if stdErrors.As(err, &apiErr) {
		retryable := apiErr.StatusCode >= http.StatusInternalServerError || apiErr.StatusCode == http.StatusTooManyRequests
		return xerrors.Wrap(xerrors.CodeExternalService, err,
			fmt.Sprintf("模型服务返回错误状态 %d", apiErr.StatusCode),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", fmt.Sprint(apiErr.StatusCode)))
	}
	return xerrors.Wrap(xerrors.CodeExternalService, err, "请求模型服务失败")
}

var _ llm.Polisher = (*Client)(nil)
