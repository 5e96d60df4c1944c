package sqlstore

import (
	"context"
	"time"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/session"
)

// SessionStore 将会话保存在 sessions 与 session_messages 两张表中。
type SessionStore struct {
	db *DB
}

// NewSessionStore 基于已迁移的连接创建会话存储。
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Append 实现 session.Store。会话行在第一条消息写入时创建。
func (s *SessionStore) Append(ctx context.Context, id string, msg session.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启会话事务失败")
	}
	defer tx.Rollback()

	insertSession := s.db.dialect.InsertIgnore() + ` sessions (id, title, created_at) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertSession, id, session.Title(msg), msg.CreatedAt.UnixNano()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE session_id = ?`, id).Scan(&seq); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取消息序号失败")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, seq+1, string(msg.Role), msg.Content, msg.CreatedAt.UnixNano(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话消息失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交会话事务失败")
	}
	return nil
}

// List 实现 session.Store。
func (s *SessionStore) List(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, created_at FROM sessions ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	list := make([]session.Summary, 0)
	for rows.Next() {
		var (
			summary session.Summary
			created int64
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话记录失败")
		}
		summary.CreatedAt = time.Unix(0, created).UTC()
		list = append(list, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	return list, nil
}

// Load 实现 session.Store。
func (s *SessionStore) Load(ctx context.Context, id string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM session_messages WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话消息失败")
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var (
			msg     session.Message
			role    string
			created int64
		)
		if err := rows.Scan(&role, &msg.Content, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话消息失败")
		}
		msg.Role = session.Role(role)
		msg.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话消息失败")
	}
	if len(msgs) == 0 {
		return nil, session.NotFound(id)
	}
	return msgs, nil
}

// Delete 实现 session.Store。
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启会话事务失败")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话消息失败")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.NotFound(id)
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交会话事务失败")
	}
	return nil
}

// Close 关闭底层连接。
func (s *SessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ session.Store = (*SessionStore)(nil)
