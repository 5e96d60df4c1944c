package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/Lewis121025/MAX-AI/internal/capability"
	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

const (
	defaultTavilyBaseURL = "https://api.tavily.com"
	maxSnippetRunes      = 200
)

var searchSchema = capability.Schema{Params: []capability.Param{
	{Name: "query", Type: capability.TypeString, Required: true, Description: "搜索关键词"},
	{Name: "max_results", Type: capability.TypeInteger, Default: 5, Description: "返回结果数量，1-10"},
}}

// SearchHit 是一条搜索结果。
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResult 是一次搜索的结果。
type SearchResult struct {
	Query  string      `json:"query"`
	Answer string      `json:"answer,omitempty"`
	Hits   []SearchHit `json:"hits"`
}

// String 以编号列表展示结果。
func (r *SearchResult) String() string {
	var b strings.Builder
	if r.Answer != "" {
		fmt.Fprintf(&b, "总结: %s\n\n", r.Answer)
	}
	if len(r.Hits) == 0 {
		b.WriteString("没有找到相关结果")
		return b.String()
	}
	b.WriteString("搜索结果:")
	for i, h := range r.Hits {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n   %s", i+1, h.Title, h.URL, h.Snippet)
	}
	return b.String()
}

// TavilySearch 通过 Tavily 搜索 API 检索网页。
type TavilySearch struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewTavilySearch 创建搜索能力，apiKey 为空时返回错误。
func NewTavilySearch(apiKey, baseURL string, client *http.Client) (*TavilySearch, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 Tavily API Key")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultTavilyBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &TavilySearch{apiKey: apiKey, baseURL: baseURL, client: client}, nil
}

// Invoke 实现 capability.Invoker。
func (t *TavilySearch) Invoke(ctx context.Context, args map[string]any) (any, error) {
	query := strings.TrimSpace(capability.String(args, "query"))
	if query == "" {
		return nil, capability.InvalidArgument("搜索关键词不能为空")
	}
	maxResults := 5
	if f, ok := capability.Float(args, "max_results"); ok {
		maxResults = int(f)
	}
	if maxResults < 1 || maxResults > 10 {
		return nil, capability.InvalidArgument(fmt.Sprintf("max_results 必须在 1-10 之间，实际为 %d", maxResults))
	}

	payload, err := json.Marshal(map[string]any{
		"api_key":        t.apiKey,
		"query":          query,
		"max_results":    maxResults,
		"search_depth":   "advanced",
		"include_answer": true,
	})
	if err != nil {
		return nil, capability.InvalidArgument(fmt.Sprintf("序列化搜索请求失败: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, capability.InvalidArgument(fmt.Sprintf("构建搜索请求失败: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, capability.ExternalServiceError(err, "请求 Tavily 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("Tavily 拒绝了请求 (%d)，请检查 API Key", resp.StatusCode),
			xerrors.WithRetryable(false))
	}
	if err := statusError(resp, "Tavily"); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, capability.ExternalServiceError(err, "读取 Tavily 响应失败")
	}
	if !gjson.ValidBytes(body) {
		return nil, capability.ExternalServiceError(fmt.Errorf("invalid json"), "Tavily 返回了无法解析的响应")
	}

	parsed := gjson.ParseBytes(body)
	result := &SearchResult{Query: query, Answer: strings.TrimSpace(parsed.Get("answer").String())}
	parsed.Get("results").ForEach(func(_, item gjson.Result) bool {
		title := strings.TrimSpace(item.Get("title").String())
		if title == "" {
			title = "无标题"
		}
		result.Hits = append(result.Hits, SearchHit{
			Title:   title,
			URL:     item.Get("url").String(),
			Snippet: clip(strings.Join(strings.Fields(item.Get("content").String()), " "), maxSnippetRunes),
		})
		return len(result.Hits) < maxResults
	})
	return result, nil
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
