package builtin

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/Lewis121025/MAX-AI/internal/capability"
)

// Workspace 是文件类能力共享的受限目录，所有路径都相对于根目录解析。
type Workspace struct {
	fs   afero.Fs
	root string
}

// NewWorkspace 以 dir 为根创建工作区，目录不存在时自动创建。
func NewWorkspace(dir string) (*Workspace, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("解析工作目录失败: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("创建工作目录失败: %w", err)
	}
	return &Workspace{fs: afero.NewBasePathFs(afero.NewOsFs(), abs), root: abs}, nil
}

// NewMemWorkspace 创建内存工作区，用于测试。
func NewMemWorkspace() *Workspace {
	return &Workspace{fs: afero.NewBasePathFs(afero.NewMemMapFs(), "/"), root: "/"}
}

// Root 返回工作区根目录。
func (w *Workspace) Root() string { return w.root }

// FS 返回底层文件系统。
func (w *Workspace) FS() afero.Fs { return w.fs }

// Resolve 把调用方给出的路径规整为工作区内的相对路径，越界时返回 INVALID_ARGUMENT。
func (w *Workspace) Resolve(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return "", capability.InvalidArgument("文件路径不能为空")
	}
	// 绝对路径只接受位于工作区根目录下的情况。
	if filepath.IsAbs(name) && w.root != "/" {
		rel, err := filepath.Rel(w.root, filepath.FromSlash(name))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", capability.InvalidArgument(fmt.Sprintf("路径 %s 不在工作目录内", name))
		}
		name = filepath.ToSlash(rel)
	}
	for _, part := range strings.Split(strings.TrimPrefix(name, "/"), "/") {
		if part == ".." {
			return "", capability.InvalidArgument(fmt.Sprintf("路径 %s 不在工作目录内", name))
		}
	}
	rel := strings.TrimPrefix(path.Clean("/"+name), "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}
