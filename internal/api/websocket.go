package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/stream"
)

const (
	wsWriteWait = 10 * time.Second
	wsBacklog   = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// safeConn 串行化对连接的写入，读取只在单个协程中进行。
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.WriteMessage(websocket.TextMessage, data)
}

// rejection 把校验失败包装成 error 事件，序号为 0 表示它不属于任何任务。
func rejection(msg string) stream.Event {
	return stream.Event{Node: stream.NodeError, Data: map[string]any{
		"message": msg,
		"details": map[string]any{"code": string(xerrors.CodeValidation)},
	}}
}

// handleChatWS 在一个连接上依次处理多条查询，每条查询的事件按序推送。
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", "error", err)
		return
	}
	conn := &safeConn{Conn: raw}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan ChatRequest, wsBacklog)
	go func() {
		// 连接断开时取消正在执行的任务。
		defer cancel()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req ChatRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				req = ChatRequest{Query: strings.TrimSpace(string(msg))}
			}
			select {
			case requests <- req:
			default:
				_ = conn.writeJSON(rejection("请求过多，请等待当前任务完成"))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			if err := s.validate(&req); err != nil {
				if werr := conn.writeJSON(rejection(err.Error())); werr != nil {
					return
				}
				continue
			}
			err := s.stream(ctx, req, func(ev stream.Event) error {
				return conn.writeJSON(ev)
			})
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("推送事件失败", "error", err)
				}
				return
			}
		}
	}
}
