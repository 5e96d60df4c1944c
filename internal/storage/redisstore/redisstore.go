// Package redisstore 使用 Redis 保存会话：消息为列表，元数据为哈希，索引为有序集合。
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Store 实现 session.Store。
type Store struct {
	client *redis.Client
	prefix string
}

// New 连接 Redis 并返回会话存储。
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient 复用已有客户端。
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "maxai"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) indexKey() string            { return s.prefix + ":sessions" }
func (s *Store) metaKey(id string) string     { return s.prefix + ":session:" + id + ":meta" }
func (s *Store) messagesKey(id string) string { return s.prefix + ":session:" + id + ":messages" }

// Append 实现 session.Store。标题与创建时间只在首条消息时写入。
func (s *Store) Append(ctx context.Context, id string, msg session.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话消息失败")
	}
	created := msg.CreatedAt.UTC()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, s.metaKey(id), "title", session.Title(msg))
		pipe.HSetNX(ctx, s.metaKey(id), "created_at", strconv.FormatInt(created.UnixNano(), 10))
		pipe.ZAddNX(ctx, s.indexKey(), redis.Z{Score: float64(created.UnixMilli()), Member: id})
		pipe.RPush(ctx, s.messagesKey(id), raw)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 会话失败")
	}
	return nil
}

// List 实现 session.Store。
func (s *Store) List(ctx context.Context) ([]session.Summary, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 会话索引失败")
	}
	list := make([]session.Summary, 0, len(ids))
	for _, id := range ids {
		meta, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 会话元数据失败")
		}
		if len(meta) == 0 {
			continue
		}
		nanos, _ := strconv.ParseInt(meta["created_at"], 10, 64)
		list = append(list, session.Summary{
			ID:        id,
			CreatedAt: time.Unix(0, nanos).UTC(),
			Title:     meta["title"],
		})
	}
	session.SortSummaries(list)
	return list, nil
}

// Load 实现 session.Store。
func (s *Store) Load(ctx context.Context, id string) ([]session.Message, error) {
	items, err := s.client.LRange(ctx, s.messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 会话消息失败")
	}
	if len(items) == 0 {
		return nil, session.NotFound(id)
	}
	msgs := make([]session.Message, 0, len(items))
	for i, item := range items {
		var msg session.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("会话 %s 的第 %d 条消息已损坏", id, i+1))
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Delete 实现 session.Store。
func (s *Store) Delete(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.metaKey(id), s.messagesKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 会话失败")
	}
	if removed.Val() == 0 {
		return session.NotFound(id)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ session.Store = (*Store)(nil)
