package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Lewis121025/MAX-AI/internal/task"
)

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "异步任务未启用", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
			s.handleTaskDetail(w, r, id)
			return
		}
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateTask 提交异步作业，立即返回 202 与作业快照。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "请求体解析失败")
		return
	}
	query, err := sanitizeQuery(req.Query, s.maxQueryLength)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req.Query = query

	job, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListTasks 支持 limit、offset、status、session_id 与 q 过滤参数。
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts = append(opts, task.WithLimit(n))
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			st := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(st) {
				badRequest(w, "无效的任务状态: "+part)
				return
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if id := q.Get("session_id"); id != "" {
		opts = append(opts, task.WithSession(id))
	}
	if text := q.Get("q"); text != "" {
		opts = append(opts, task.WithQuery(text))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}

	jobs, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, jobs)
}
