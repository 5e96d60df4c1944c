// Package stream 保存单个任务的有序事件日志，并把事件交付给唯一的订阅者。
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Node 是事件的种类。
type Node string

const (
	NodeSession   Node = "session"
	NodePlanner   Node = "planner"
	NodeExecutor  Node = "executor"
	NodeCritic    Node = "critic"
	NodeFastAgent Node = "fast_agent"
	NodeError     Node = "error"
	NodeDone      Node = "done"
)

// Terminal 判断该种类是否为终止事件。
func (n Node) Terminal() bool {
	return n == NodeDone || n == NodeError
}

var (
	// ErrClosed 表示终止事件已经发出，日志不再接受新事件。
	ErrClosed = errors.New("stream: 事件流已结束")
	// ErrDuplicateSession 表示 session 事件重复发出。
	ErrDuplicateSession = errors.New("stream: session 事件只能发出一次")
	// ErrSubscribed 表示日志已经有订阅者。
	ErrSubscribed = errors.New("stream: 事件流已被订阅")
)

// Event 是一条对外事件，Seq 从 1 开始严格递增。
type Event struct {
	Seq  uint64         `json:"seq"`
	Node Node           `json:"node"`
	Data map[string]any `json:"data"`
	At   time.Time      `json:"-"`
}

// Log 是只追加的事件日志，并发安全。
type Log struct {
	mu         sync.Mutex
	events     []Event
	closed     bool
	session    bool
	subscribed bool
	notify     chan struct{}
}

// NewLog 创建空日志。
func NewLog() *Log {
	return &Log{notify: make(chan struct{})}
}

// Emit 追加事件并唤醒订阅者。终止事件之后的追加返回 ErrClosed。
func (l *Log) Emit(node Node, data map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, ErrClosed
	}
	if node == NodeSession {
		if l.session {
			return Event{}, ErrDuplicateSession
		}
		l.session = true
	}
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{Seq: uint64(len(l.events) + 1), Node: node, Data: data, At: time.Now()}
	l.events = append(l.events, ev)
	if node.Terminal() {
		l.closed = true
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return ev, nil
}

// Closed 判断终止事件是否已经发出。
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Events 返回当前事件的快照。
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Last 返回最后一条事件。
func (l *Log) Last() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Subscribe 返回从第一条事件开始的游标，每个日志只允许一个订阅者。
func (l *Log) Subscribe() (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribed {
		return nil, ErrSubscribed
	}
	l.subscribed = true
	return &Subscription{log: l}, nil
}

// Subscription 按发出顺序读取事件，不会丢失事件。
type Subscription struct {
	log  *Log
	next int
}

// Next 阻塞直到下一条事件可用。终止事件读完后返回 io.EOF。
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.log.mu.Lock()
		if s.next < len(s.log.events) {
			ev := s.log.events[s.next]
			s.next++
			s.log.mu.Unlock()
			return ev, nil
		}
		if s.log.closed {
			s.log.mu.Unlock()
			return Event{}, io.EOF
		}
		wait := s.log.notify
		s.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wait:
		}
	}
}

// Drain 读取剩余的全部事件直到终止事件。
func (s *Subscription) Drain(ctx context.Context, fn func(Event) error) error {
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
