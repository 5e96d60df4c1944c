// Package maxagent is a Go client for the MAX-AI agent service. It consumes the
// server-sent event stream of /api/chat and wraps the session and job endpoints.
package maxagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout applies to the plain request/response endpoints of clients
// created without a custom http.Client. Streams are bounded by their context only.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the MAX-AI REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	// streamClient shares the transport of httpClient but carries no timeout.
	streamClient *http.Client
}

// ChatRequest is the body of a chat call. Uploads reference files already
// present in the server workspace.
type ChatRequest struct {
	Query     string   `json:"query"`
	SessionID string   `json:"session_id,omitempty"`
	Uploads   []string `json:"uploads,omitempty"`
}

// Session is one entry of the session list.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
}

// Message is one stored conversation turn. Role is "human" or "ai".
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskSubmission is the payload required to create an asynchronous job.
type TaskSubmission struct {
	ID        string         `json:"id,omitempty"`
	Query     string         `json:"query"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the stored outcome of a succeeded job.
type TaskResult struct {
	Answer      string  `json:"answer"`
	Degraded    bool    `json:"degraded"`
	Iterations  int     `json:"iterations"`
	LLMCalls    int     `json:"llm_calls"`
	SuccessRate string  `json:"success_rate"`
	Events      []Event `json:"events,omitempty"`
}

// Task is a job snapshot. Status is pending, running, succeeded or failed.
type Task struct {
	ID         string         `json:"id"`
	Query      string         `json:"query"`
	SessionID  string         `json:"session_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Finished reports whether the job will not run again.
func (t Task) Finished() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("maxagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("maxagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the MAX-AI API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	stream := *httpClient
	stream.Timeout = 0
	return &Client{baseURL: parsed, httpClient: httpClient, streamClient: &stream}, nil
}

// Chat starts a query and returns the live event stream. The caller must Close it.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chat", nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return newStream(resp.Body), nil
}

// Ask runs a query to completion and collects the final answer.
// A terminal error event is returned as *StreamError.
func (c *Client) Ask(ctx context.Context, req ChatRequest) (*Answer, error) {
	s, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return Collect(s, nil)
}

// Sessions lists stored sessions, newest first.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// History returns every message of a session in order.
func (c *Client) History(ctx context.Context, sessionID string) ([]Message, error) {
	var out struct {
		History []Message `json:"history"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// DeleteSession removes a session and its history.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, nil, nil)
}

// SubmitTask queues an asynchronous job.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.call(ctx, http.MethodPost, "/api/v1/tasks", nil, submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a job by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	query := url.Values{"id": {taskID}}
	if err := c.call(ctx, http.MethodGet, "/api/v1/tasks", query, nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitTask polls a job until it finishes or ctx is done.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns the raw status document of the service.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodGet, "/api/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
