package api

import (
	"net/http"
	"time"

	"github.com/Lewis121025/MAX-AI/internal/capability"
)

// Version 是服务对外报告的版本号。
var Version = "dev"

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "running",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	caps := []capability.Descriptor{}
	if s.registry != nil {
		caps = s.registry.Descriptors()
		body["ready"] = s.registry.Ready()
	}
	body["capabilities"] = caps

	if list, err := s.sessions.List(r.Context()); err == nil {
		body["sessions_count"] = len(list)
	} else {
		s.logger.Warn("读取会话数量失败", "error", err)
	}
	if s.tasks != nil {
		if stats, err := s.tasks.Stats(r.Context()); err == nil {
			body["tasks"] = stats
		} else {
			s.logger.Warn("读取任务统计失败", "error", err)
		}
	}
	if s.summary != nil {
		body["config"] = s.summary
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "MAX-AI",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
