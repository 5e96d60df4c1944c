package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

// DefaultHistoryDepth 是提供给润色调用的历史消息条数。
const DefaultHistoryDepth = 6

// Option 调整 Coordinator。
type Option func(*Coordinator)

// WithHistoryDepth 设置 History 返回的最大消息数。
func WithHistoryDepth(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.historyDepth = n
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator 是会话状态的唯一入口，同一会话的写入被串行化。
type Coordinator struct {
	store        Store
	locks        *keyLock
	historyDepth int
	now          func() time.Time
	logger       *slog.Logger
}

// NewCoordinator 创建协调器。
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		locks:        newKeyLock(),
		historyDepth: DefaultHistoryDepth,
		now:          time.Now,
		logger:       logger.Named("session"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve 校验调用方给出的会话 ID，为空时生成新的 ID。
func (c *Coordinator) Resolve(id string) (string, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return uuid.NewString(), true, nil
	}
	if !ValidID(id) {
		return "", false, xerrors.New(xerrors.CodeValidation, "会话 ID 格式无效",
			xerrors.WithMetadata("session_id", truncate(id, MaxIDLength)))
	}
	return id, false, nil
}

// Append 按顺序追加消息，同一会话的并发写入互斥执行。
func (c *Coordinator) Append(ctx context.Context, id string, msgs ...Message) error {
	if !ValidID(id) {
		return xerrors.New(xerrors.CodeValidation, "会话 ID 格式无效")
	}
	unlock := c.locks.Lock(id)
	defer unlock()

	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = c.now().UTC()
		}
		if err := c.store.Append(ctx, id, msg); err != nil {
			return wrapStorage(err, fmt.Sprintf("保存会话 %s 的消息失败", id))
		}
	}
	c.logger.Debug("会话消息已保存", "session_id", id, "count", len(msgs))
	return nil
}

// History 返回最近的若干条消息，会话不存在时返回空列表。
func (c *Coordinator) History(ctx context.Context, id string) ([]Message, error) {
	msgs, err := c.store.Load(ctx, id)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return nil, nil
		}
		return nil, wrapStorage(err, "读取会话历史失败")
	}
	if c.historyDepth > 0 && len(msgs) > c.historyDepth {
		msgs = msgs[len(msgs)-c.historyDepth:]
	}
	return msgs, nil
}

// List 返回按创建时间倒序的会话列表。
func (c *Coordinator) List(ctx context.Context) ([]Summary, error) {
	list, err := c.store.List(ctx)
	if err != nil {
		return nil, wrapStorage(err, "读取会话列表失败")
	}
	return list, nil
}

// Load 返回会话的全部消息。
func (c *Coordinator) Load(ctx context.Context, id string) ([]Message, error) {
	if !ValidID(id) {
		return nil, xerrors.New(xerrors.CodeValidation, "会话 ID 格式无效")
	}
	msgs, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, wrapStorage(err, "读取会话失败")
	}
	return msgs, nil
}

// Delete 删除会话。
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return xerrors.New(xerrors.CodeValidation, "会话 ID 格式无效")
	}
	unlock := c.locks.Lock(id)
	defer unlock()
	if err := c.store.Delete(ctx, id); err != nil {
		return wrapStorage(err, "删除会话失败")
	}
	return nil
}

// wrapStorage 保留存储层已有的错误码，其余错误归为 STORAGE_FAILURE。
func wrapStorage(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
