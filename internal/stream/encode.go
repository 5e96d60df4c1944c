package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal 把事件编码为单个 JSON 对象。
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// WriteSSE 以 `data: {json}\n\n` 的形式写出一条事件。
func WriteSSE(w io.Writer, ev Event) error {
	raw, err := Marshal(ev)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(raw) + 8)
	buf.WriteString("data: ")
	buf.Write(raw)
	buf.WriteString("\n\n")
	_, err = w.Write(buf.Bytes())
	return err
}

// SSEReader 解析 WriteSSE 写出的事件流。
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader 创建解析器。
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &SSEReader{scanner: sc}
}

// Next 返回下一条事件，流结束时返回 io.EOF。
func (r *SSEReader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return Event{}, fmt.Errorf("解析事件失败: %w", err)
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
