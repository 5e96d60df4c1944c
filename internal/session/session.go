// Package session 定义会话持久化契约，并提供串行化写入的会话协调器。
package session

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Role 是消息的发送方。
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

const (
	// DefaultTitle 是还没有用户消息时的会话标题。
	DefaultTitle = "新对话"
	// MaxIDLength 是会话 ID 的最大长度。
	MaxIDLength   = 100
	titleMaxRunes = 50
)

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Message 是会话中的一条消息。
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary 是会话列表中的一项。
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
}

// Store 是会话持久化的外部协作方。
// Load 与 Delete 在会话不存在时返回 NOT_FOUND；List 按创建时间倒序。
type Store interface {
	Append(ctx context.Context, id string, msg Message) error
	List(ctx context.Context) ([]Summary, error)
	Load(ctx context.Context, id string) ([]Message, error)
	Delete(ctx context.Context, id string) error
}

// ValidID 校验会话 ID。
func ValidID(id string) bool {
	return id != "" && len(id) <= MaxIDLength && idPattern.MatchString(id)
}

// Title 根据首条消息生成会话标题，超过 50 个字符时截断。
func Title(msg Message) string {
	if msg.Role != RoleHuman {
		return DefaultTitle
	}
	content := strings.Join(strings.Fields(msg.Content), " ")
	if content == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(content) <= titleMaxRunes {
		return content
	}
	return string([]rune(content)[:titleMaxRunes]) + "..."
}
