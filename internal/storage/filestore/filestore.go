// Package filestore 以目录下的 JSON 文件保存会话，每个会话一个文件。
package filestore

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const suffix = ".json"

type document struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"created_at"`
	Messages  []session.Message `json:"messages"`
}

// Store 实现 session.Store。写入先落到临时文件再原子替换。
type Store struct {
	dir string
	mu  sync.Mutex
}

// New 创建文件存储，目录不存在时自动创建。
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话目录失败")
	}
	return &Store{dir: dir}, nil
}

// Append 实现 session.Store。
func (s *Store) Append(_ context.Context, id string, msg session.Message) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(id)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return err
		}
		doc = &document{ID: id, Title: session.Title(msg), CreatedAt: msg.CreatedAt}
	}
	doc.Messages = append(doc.Messages, msg)
	return s.write(doc)
}

// List 实现 session.Store。
func (s *Store) List(_ context.Context) ([]session.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话目录失败")
	}
	list := make([]session.Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		doc, err := s.read(strings.TrimSuffix(name, suffix))
		if err != nil {
			return nil, err
		}
		list = append(list, session.Summary{ID: doc.ID, CreatedAt: doc.CreatedAt, Title: doc.Title})
	}
	session.SortSummaries(list)
	return list, nil
}

// Load 实现 session.Store。
func (s *Store) Load(_ context.Context, id string) ([]session.Message, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(id)
	if err != nil {
		return nil, err
	}
	return doc.Messages, nil
}

// Delete 实现 session.Store。
func (s *Store) Delete(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return session.NotFound(id)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话文件失败")
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+suffix)
}

func (s *Store) read(id string) (*document, error) {
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, session.NotFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话文件失败")
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("会话文件 %s 已损坏", id))
	}
	return &doc, nil
}

func (s *Store) write(doc *document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话失败")
	}
	tmp, err := os.CreateTemp(s.dir, doc.ID+".*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话文件失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话文件失败")
	}
	if err := os.Rename(tmpName, s.path(doc.ID)); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换会话文件失败")
	}
	return nil
}

func checkID(id string) error {
	if !session.ValidID(id) {
		return xerrors.New(xerrors.CodeValidation, "会话 ID 格式无效")
	}
	return nil
}

var _ session.Store = (*Store)(nil)
