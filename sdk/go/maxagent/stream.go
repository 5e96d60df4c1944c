package maxagent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Node names of the events emitted by the server.
const (
	NodeSession   = "session"
	NodePlanner   = "planner"
	NodeExecutor  = "executor"
	NodeCritic    = "critic"
	NodeFastAgent = "fast_agent"
	NodeError     = "error"
	NodeDone      = "done"
)

// Event is one server-sent event. Seq starts at 1 and increases by one per task.
type Event struct {
	Seq  uint64         `json:"seq"`
	Node string         `json:"node"`
	Data map[string]any `json:"data"`
}

// Terminal reports whether no event follows this one.
func (e Event) Terminal() bool {
	return e.Node == NodeDone || e.Node == NodeError
}

// Stream reads events from a chat response.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Stream{body: body, scanner: sc}
}

// Next returns the next event. It returns io.EOF after the terminal event or
// when the server closes the stream.
func (s *Stream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return Event{}, fmt.Errorf("decode event: %w", err)
		}
		if ev.Terminal() {
			s.done = true
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	s.done = true
	return Event{}, io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Answer is the summary of a completed chat.
type Answer struct {
	SessionID   string
	Text        string
	LLMCalls    int
	SuccessRate string
	Degraded    bool
	Events      []Event
}

// StreamError is the payload of a terminal error event.
type StreamError struct {
	SessionID string
	Code      string
	Message   string
	Details   map[string]any
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("maxagent task failed: %s - %s", e.Code, e.Message)
	}
	return "maxagent task failed: " + e.Message
}

// ErrIncomplete is returned when the stream ends without a terminal event.
var ErrIncomplete = errors.New("maxagent: stream ended before the task finished")

// Collect drains s, calling fn for every event when fn is non-nil.
func Collect(s *Stream, fn func(Event)) (*Answer, error) {
	ans := &Answer{}
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return ans, ErrIncomplete
		}
		if err != nil {
			return ans, err
		}
		ans.Events = append(ans.Events, ev)
		if fn != nil {
			fn(ev)
		}
		switch ev.Node {
		case NodeSession:
			ans.SessionID, _ = ev.Data["session_id"].(string)
		case NodeFastAgent:
			ans.Text, _ = ev.Data["final_answer"].(string)
			ans.SuccessRate, _ = ev.Data["success_rate"].(string)
			ans.Degraded, _ = ev.Data["degraded"].(bool)
			if n, ok := ev.Data["llm_calls"].(float64); ok {
				ans.LLMCalls = int(n)
			}
		case NodeError:
			return ans, streamError(ans.SessionID, ev.Data)
		case NodeDone:
			return ans, nil
		}
	}
}

func streamError(sessionID string, data map[string]any) *StreamError {
	e := &StreamError{SessionID: sessionID}
	e.Message, _ = data["message"].(string)
	if details, ok := data["details"].(map[string]any); ok {
		e.Details = details
		e.Code, _ = details["code"].(string)
	}
	return e
}
