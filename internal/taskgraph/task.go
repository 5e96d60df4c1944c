package taskgraph

import "time"

// TaskStatus 描述一次用户请求的整体状态。
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskDegraded  TaskStatus = "degraded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task 是一次端到端的查询处理，持有迭代计数与跨迭代的步骤台账。
type Task struct {
	ID        string
	Query     string
	SessionID string
	Iteration int
	Status    TaskStatus
	CreatedAt time.Time

	ledger []*Step
	byID   map[string]*Step
}

// NewTask 创建运行中的任务。
func NewTask(id, query, sessionID string) *Task {
	return &Task{
		ID:        id,
		Query:     query,
		SessionID: sessionID,
		Status:    TaskRunning,
		CreatedAt: time.Now(),
		byID:      make(map[string]*Step),
	}
}

// Terminal 判断任务是否已经结束。
func (t *Task) Terminal() bool {
	return t.Status != TaskRunning
}

// Record 把一次迭代中已结束的步骤追加到台账。任务图本身随迭代丢弃。
func (t *Task) Record(g *Graph) {
	for _, s := range g.Steps() {
		if !s.Status.Terminal() {
			continue
		}
		dup := s.Clone()
		t.ledger = append(t.ledger, dup)
		t.byID[dup.ID] = dup
	}
}

// Ledger 返回所有迭代的终态步骤，按记录顺序排列。
func (t *Task) Ledger() []*Step {
	return t.ledger
}

// Lookup 在台账中查找步骤记录。
func (t *Task) Lookup(id string) (*Step, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// Counts 统计台账中成功的步骤数与总步骤数。
func (t *Task) Counts() (succeeded, total int) {
	for _, s := range t.ledger {
		total++
		if s.Status == StatusSucceeded {
			succeeded++
		}
	}
	return succeeded, total
}

// Succeeded 返回某个起源步骤最近一次成功的记录。
func (t *Task) Succeeded(origin string) (*Step, bool) {
	for i := len(t.ledger) - 1; i >= 0; i-- {
		s := t.ledger[i]
		if s.Origin == origin && s.Status == StatusSucceeded {
			return s, true
		}
	}
	return nil, false
}
