package alerting

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 0)
	event := FromError(xerrors.New(xerrors.CodeIterationsExhausted, "no result", xerrors.WithMetadata("query", "q")), "finalize")
	event.TaskID = "t-1"
	require.NoError(t, n.Notify(context.Background(), event))

	assert.Equal(t, xerrors.CodeIterationsExhausted, got.Code)
	assert.Equal(t, "finalize", got.Stage)
	assert.Equal(t, "t-1", got.TaskID)
	assert.Equal(t, "q", got.Metadata["query"])
}

func TestWebhookNotifierRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, 0).Notify(context.Background(), Event{Code: xerrors.CodeSystem})
	assert.ErrorContains(t, err, "500")
}

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return ChannelWebhook }
func (failingNotifier) Notify(context.Context, Event) error {
	return assert.AnError
}

func TestFanoutJoinsErrorsAndStillLogs(t *testing.T) {
	var buf bytes.Buffer
	logNotifier := &LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	d := NewFanout(logNotifier, failingNotifier{}, nil)

	assert.Equal(t, []Channel{ChannelLog, ChannelWebhook}, d.Channels())
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeSystem, Severity: xerrors.SeverityCritical, Stage: "run"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, buf.String(), "code=SYSTEM")
}
