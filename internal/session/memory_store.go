package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

// MemoryStore 在内存中保存会话，主要用于测试与单机运行。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	summary  Summary
	messages []Message
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

// Append 实现 Store。
func (m *MemoryStore) Append(_ context.Context, id string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &memorySession{summary: Summary{ID: id, CreatedAt: msg.CreatedAt, Title: Title(msg)}}
		m.sessions[id] = s
	}
	s.messages = append(s.messages, msg)
	return nil
}

// List 实现 Store。
func (m *MemoryStore) List(_ context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.summary)
	}
	SortSummaries(out)
	return out, nil
}

// Load 实现 Store。
func (m *MemoryStore) Load(_ context.Context, id string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, NotFound(id)
	}
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

// Delete 实现 Store。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return NotFound(id)
	}
	delete(m.sessions, id)
	return nil
}

// SortSummaries 按创建时间倒序排列，时间相同时按 ID 排序。
func SortSummaries(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// NotFound 构造会话不存在的错误。
func NotFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 不存在", id),
		xerrors.WithMetadata("session_id", id))
}

var _ Store = (*MemoryStore)(nil)
