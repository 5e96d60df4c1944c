package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Lewis121025/MAX-AI/internal/capability"
)

const defaultMaxFetchBytes = 2 << 20

var webFetchSchema = capability.Schema{Params: []capability.Param{
	{Name: "url", Type: capability.TypeString, Required: true, Description: "http 或 https 链接"},
	{Name: "mode", Type: capability.TypeString, Default: "text", Description: "text 提取正文，raw 返回原始内容"},
}}

// Page 是抓取结果。
type Page struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// String 以纯文本形式展示页面，供回答格式化使用。
func (p *Page) String() string {
	var b strings.Builder
	if p.Title != "" {
		b.WriteString(p.Title)
		b.WriteString("\n")
	}
	b.WriteString(p.URL)
	b.WriteString("\n\n")
	b.WriteString(p.Content)
	return b.String()
}

// WebFetch 抓取网页并提取正文。
type WebFetch struct {
	client   *http.Client
	maxBytes int64
}

// NewWebFetch 创建网页抓取能力。maxBytes <= 0 时使用 2MiB。
func NewWebFetch(client *http.Client, maxBytes int64) *WebFetch {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	return &WebFetch{client: client, maxBytes: maxBytes}
}

// Invoke 实现 capability.Invoker。
func (w *WebFetch) Invoke(ctx context.Context, args map[string]any) (any, error) {
	raw := strings.TrimSpace(capability.String(args, "url"))
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, capability.InvalidArgument(fmt.Sprintf("无效的链接 %q", raw))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, capability.InvalidArgument(fmt.Sprintf("构建请求失败: %v", err))
	}
	req.Header.Set("User-Agent", "maxagent/1.0 (+web_fetch)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, capability.ExternalServiceError(err, fmt.Sprintf("请求 %s 失败", target.Host))
	}
	defer resp.Body.Close()

	if err := statusError(resp, target.Host); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes+1))
	if err != nil {
		return nil, capability.ExternalServiceError(err, fmt.Sprintf("读取 %s 响应失败", target.Host))
	}
	page := &Page{URL: target.String(), Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	if int64(len(body)) > w.maxBytes {
		body = body[:w.maxBytes]
		page.Truncated = true
	}

	mode := strings.ToLower(capability.String(args, "mode"))
	isHTML := strings.Contains(page.ContentType, "html") || looksLikeHTML(body)
	switch {
	case mode == "raw" || !isHTML:
		page.Content = strings.ToValidUTF8(string(body), "")
	default:
		page.Title, page.Content = extractText(string(body))
	}
	if page.Truncated && !utf8.ValidString(page.Content) {
		page.Content = strings.ToValidUTF8(page.Content, "")
	}
	return page, nil
}

// statusError 将 4xx 视为不可重试，429 与 5xx 可重试。
func statusError(resp *http.Response, host string) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s 返回状态 %d: %s", host, resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return capability.ExternalServiceError(fmt.Errorf("http %d", resp.StatusCode), msg)
	}
	return capability.InvalidArgument(msg)
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true, atom.Section: true,
	atom.Article: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true,
	atom.H6: true, atom.Pre: true, atom.Blockquote: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
}

var skippedElements = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true, atom.Svg: true,
	atom.Head: true, atom.Nav: true, atom.Footer: true, atom.Iframe: true,
}

// extractText 提取页面标题与正文，跳过脚本、样式与导航。
func extractText(doc string) (string, string) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", strings.TrimSpace(doc)
	}
	var (
		lines []string
		cur   strings.Builder
	)
	flush := func() {
		if line := strings.TrimSpace(cur.String()); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedElements[n.DataAtom] {
				return
			}
			if blockElements[n.DataAtom] {
				flush()
				defer flush()
			}
		}
		if n.Type == html.TextNode {
			if words := strings.Fields(n.Data); len(words) > 0 {
				if cur.Len() > 0 {
					cur.WriteByte(' ')
				}
				cur.WriteString(strings.Join(words, " "))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	flush()
	return findTitle(root), strings.Join(lines, "\n")
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.Join(strings.Fields(n.FirstChild.Data), " ")
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}
