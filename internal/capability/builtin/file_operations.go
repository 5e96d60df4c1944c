package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/Lewis121025/MAX-AI/internal/capability"
)

const (
	maxReadRunes     = 10000
	maxSearchMatches = 200
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".tsv": true, ".json": true, ".log": true,
	".yaml": true, ".yml": true, ".xml": true, ".html": true, ".go": true, ".py": true, ".js": true,
}

var fileSchema = capability.Schema{Params: []capability.Param{
	{Name: "operation", Type: capability.TypeString, Default: "read", Description: "read、write、list 或 search"},
	{Name: "file_path", Type: capability.TypeString, Default: ".", Description: "工作目录内的相对路径"},
	{Name: "content", Type: capability.TypeString, Description: "write 时写入的内容"},
	{Name: "pattern", Type: capability.TypeString, Description: "search 时使用的 glob，例如 **/*.csv"},
}}

// FileOperations 在工作目录内读写与列举文件。
type FileOperations struct {
	ws *Workspace
}

// NewFileOperations 创建文件能力。
func NewFileOperations(ws *Workspace) *FileOperations {
	return &FileOperations{ws: ws}
}

// Invoke 实现 capability.Invoker。
func (f *FileOperations) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op := strings.ToLower(strings.TrimSpace(capability.String(args, "operation")))
	switch op {
	case "", "read":
		return f.read(capability.String(args, "file_path"))
	case "write":
		return f.write(capability.String(args, "file_path"), capability.String(args, "content"))
	case "list":
		return f.list(capability.String(args, "file_path"))
	case "search":
		return f.search(capability.String(args, "file_path"), capability.String(args, "pattern"))
	default:
		return nil, capability.InvalidArgument(fmt.Sprintf("不支持的文件操作 %q", op))
	}
}

func (f *FileOperations) read(name string) (any, error) {
	rel, err := f.ws.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := f.ws.fs.Stat(rel)
	if err != nil {
		return nil, fsError(err, rel)
	}
	if info.IsDir() {
		return nil, capability.InvalidArgument(fmt.Sprintf("%s 是目录，请使用 list", rel))
	}
	ext := strings.ToLower(path.Ext(rel))
	if !textExtensions[ext] {
		return fmt.Sprintf("文件类型: %s\n文件大小: %d 字节", ext, info.Size()), nil
	}
	raw, err := afero.ReadFile(f.ws.fs, rel)
	if err != nil {
		return nil, fsError(err, rel)
	}
	if !utf8.Valid(raw) {
		return nil, capability.InvalidArgument(fmt.Sprintf("%s 不是 UTF-8 文本", rel))
	}
	content := string(raw)
	if n := utf8.RuneCountInString(content); n > maxReadRunes {
		runes := []rune(content)
		return fmt.Sprintf("%s\n\n... (剩余 %d 字符)", string(runes[:maxReadRunes]), n-maxReadRunes), nil
	}
	if strings.TrimSpace(content) == "" {
		return "文件内容为空", nil
	}
	return content, nil
}

func (f *FileOperations) write(name, content string) (any, error) {
	rel, err := f.ws.Resolve(name)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, capability.InvalidArgument("写入需要指定文件名")
	}
	if dir := path.Dir(rel); dir != "." {
		if err := f.ws.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fsError(err, dir)
		}
	}
	if err := afero.WriteFile(f.ws.fs, rel, []byte(content), 0o644); err != nil {
		return nil, fsError(err, rel)
	}
	return fmt.Sprintf("成功写入: %s (%d 字符)", rel, utf8.RuneCountInString(content)), nil
}

func (f *FileOperations) list(name string) (any, error) {
	if strings.TrimSpace(name) == "" {
		name = "."
	}
	rel, err := f.ws.Resolve(name)
	if err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(f.ws.fs, rel)
	if err != nil {
		return nil, fsError(err, rel)
	}
	entries := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		kind := "file"
		if info.IsDir() {
			kind = "directory"
		}
		entries = append(entries, map[string]any{
			"name": info.Name(),
			"type": kind,
			"size": info.Size(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i]["name"].(string) < entries[j]["name"].(string) })
	return entries, nil
}

func (f *FileOperations) search(dir, pattern string) (any, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, capability.InvalidArgument("search 需要 pattern 参数")
	}
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	rel, err := f.ws.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, capability.InvalidArgument(fmt.Sprintf("无效的 glob %q", pattern))
	}
	root := afero.NewIOFS(f.ws.fs)
	var sub fs.FS = root
	if rel != "." {
		if sub, err = fs.Sub(root, rel); err != nil {
			return nil, fsError(err, rel)
		}
	}
	matches, err := doublestar.Glob(sub, pattern)
	if err != nil {
		return nil, fsError(err, rel)
	}
	sort.Strings(matches)
	if len(matches) > maxSearchMatches {
		matches = matches[:maxSearchMatches]
	}
	if rel != "." {
		for i, m := range matches {
			matches[i] = path.Join(rel, m)
		}
	}
	return matches, nil
}

// fsError 把文件系统错误映射为能力错误：不存在与权限问题不可重试。
func fsError(err error, name string) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return capability.InvalidArgument(fmt.Sprintf("文件不存在: %s", name))
	case errors.Is(err, os.ErrPermission):
		return capability.InvalidArgument(fmt.Sprintf("没有权限访问: %s", name))
	}
	return capability.ExternalServiceError(err, fmt.Sprintf("访问 %s 失败", name))
}
