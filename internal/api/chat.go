package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/spf13/afero"

	"github.com/Lewis121025/MAX-AI/internal/agent"
	"github.com/Lewis121025/MAX-AI/internal/session"
	"github.com/Lewis121025/MAX-AI/internal/stream"
)

const (
	maxUploadBytes = 32 << 20
	uploadDir      = "uploads"
)

var allowedUploads = map[string]struct{}{
	"txt": {}, "csv": {}, "tsv": {}, "json": {}, "md": {}, "py": {}, "html": {}, "css": {}, "js": {},
	"pdf": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "ppt": {}, "pptx": {},
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {},
}

// ChatRequest 是聊天接口的请求体。
type ChatRequest struct {
	Query     string   `json:"query"`
	SessionID string   `json:"session_id,omitempty"`
	Uploads   []string `json:"uploads,omitempty"`
}

// sanitizeQuery 去除首尾空白，并拒绝过长或包含脚本的输入。
func sanitizeQuery(query string, maxLen int) (string, error) {
	query = strings.TrimSpace(query)
	lower := strings.ToLower(query)
	if strings.Contains(lower, "<script") || strings.Contains(lower, "javascript:") {
		return "", errors.New("输入包含不允许的脚本内容")
	}
	if utf8.RuneCountInString(query) > maxLen {
		return "", fmt.Errorf("查询内容过长，请控制在%d字符以内", maxLen)
	}
	return query, nil
}

// validate 校验并规范化请求。
func (s *Server) validate(req *ChatRequest) error {
	query, err := sanitizeQuery(req.Query, s.maxQueryLength)
	if err != nil {
		return err
	}
	if query == "" && len(req.Uploads) == 0 {
		return errors.New("请输入查询内容或上传文件")
	}
	req.Query = query
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID != "" && !session.ValidID(req.SessionID) {
		return errors.New("无效的会话ID")
	}
	// 只能引用工作区中的文件。
	for _, name := range req.Uploads {
		if s.uploads == nil {
			return errors.New("未配置工作区，无法引用文件")
		}
		if _, err := s.uploads.Resolve(name); err != nil {
			return fmt.Errorf("文件路径无效: %s", name)
		}
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}
	req, err := s.decodeChat(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.validate(&req); err != nil {
		badRequest(w, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式响应", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// 客户端断开时请求上下文被取消，任务随之结束。
	ctx := r.Context()
	err = s.stream(ctx, req, func(ev stream.Event) error {
		if err := stream.WriteSSE(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("推送事件失败", "error", err)
	}
}

// stream 启动任务并把事件依次交给 send，直到终止事件。
func (s *Server) stream(ctx context.Context, req ChatRequest, send func(stream.Event) error) error {
	log := s.agent.Start(ctx, agent.Request{Query: req.Query, SessionID: req.SessionID, Uploads: req.Uploads})
	sub, err := log.Subscribe()
	if err != nil {
		return err
	}
	return sub.Drain(ctx, send)
}

// decodeChat 同时支持 JSON 与 multipart 表单，表单中的文件写入工作区。
func (s *Server) decodeChat(r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return req, fmt.Errorf("表单解析失败: %w", err)
		}
		req.Query = r.FormValue("query")
		req.SessionID = r.FormValue("session_id")
		if r.MultipartForm != nil && len(r.MultipartForm.File["files"]) > 0 {
			saved, err := s.saveUploads(r)
			if err != nil {
				return req, err
			}
			req.Uploads = saved
		}
	case "application/x-www-form-urlencoded":
		req.Query = r.FormValue("query")
		req.SessionID = r.FormValue("session_id")
	default:
		body := io.LimitReader(r.Body, int64(s.maxQueryLength)*4+4096)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return req, errors.New("请求体解析失败")
		}
	}
	return req, nil
}

func (s *Server) saveUploads(r *http.Request) ([]string, error) {
	if s.uploads == nil {
		return nil, errors.New("未配置工作区，无法上传文件")
	}
	fs := s.uploads.FS()
	if err := fs.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建上传目录失败: %w", err)
	}

	var saved, rejected []string
	for _, fh := range r.MultipartForm.File["files"] {
		name := safeFilename(fh.Filename)
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
		if _, ok := allowedUploads[ext]; !ok || name == "" {
			if ext == "" {
				ext = "无扩展名"
			}
			rejected = append(rejected, fmt.Sprintf("%s (不支持的文件类型: .%s)", fh.Filename, ext))
			continue
		}
		src, err := fh.Open()
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("%s (读取失败: %v)", fh.Filename, err))
			continue
		}
		rel := path.Join(uploadDir, name)
		err = afero.WriteReader(fs, rel, src)
		_ = src.Close()
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("%s (保存失败: %v)", fh.Filename, err))
			continue
		}
		s.logger.Info("文件已保存", "path", rel, "size", fh.Size)
		saved = append(saved, rel)
	}
	if len(rejected) > 0 {
		return nil, fmt.Errorf("以下文件无法上传:\n%s", strings.Join(rejected, "\n"))
	}
	return saved, nil
}

// safeFilename 只保留字母数字与 ._- 空格。
func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == ' ':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ". ")
}
