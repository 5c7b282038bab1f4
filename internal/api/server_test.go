package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/db"
	"github.com/gitfix/gitfix/internal/events/bus"
	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/state"
)

type testServer struct {
	srv   *Server
	store *state.Store
	queue *queue.Queue
	bus   bus.EventBus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	pool, cleanup, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "api.db"),
	}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	store, err := state.NewStore(pool, eventBus, state.Options{}, logger.Default())
	require.NoError(t, err)
	q, err := queue.New(pool, config.QueueConfig{Concurrency: 1, Attempts: 1, BackoffBaseMs: 10}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	cfg := &config.Config{}
	cfg.Logging.Level = "info"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	srv := NewServer(cfg, store, q, eventBus, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return &testServer{srv: srv, store: store, queue: q, bus: eventBus}
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_TaskState(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.CreateTask(ctx, "acme", "widgets", 42, "sonnet")
	require.NoError(t, err)
	require.NoError(t, ts.store.UpdateTask(ctx, "acme-widgets-42-sonnet", state.StateProcessing, nil))

	rec := ts.get(t, "/task/acme-widgets-42-sonnet/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var task state.TaskState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "acme-widgets-42-sonnet", task.TaskID)
	assert.Equal(t, state.StateProcessing, task.State)
	assert.Len(t, task.History, 2)
}

func TestServer_TaskStateNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get(t, "/task/nope-nope-1-sonnet/state")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "TASK_NOT_FOUND")
}

func TestServer_TaskHistory(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.CreateTask(ctx, "acme", "widgets", 7, "opus")
	require.NoError(t, err)
	taskID := "acme-widgets-7-opus"
	ts.store.AppendLog(ctx, taskID, []byte("cloning repository\n"))
	ts.store.PublishDiff(ctx, taskID, "diff --git a/main.go b/main.go")

	rec := ts.get(t, "/task/"+taskID+"/history")
	require.Equal(t, http.StatusOK, rec.Code)

	var history state.TaskHistory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Contains(t, history.Logs, "cloning repository")
	assert.Contains(t, history.FinalDiff, "diff --git")
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.RecordExecution(ctx, state.ExecutionRecord{
		TaskID:          "acme-widgets-1-sonnet",
		Model:           "sonnet",
		Success:         true,
		CostUSD:         0.42,
		Turns:           9,
		ExecutionTimeMS: 61000,
	}))

	rec := ts.get(t, "/metrics/llm")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary state.MetricsSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Len(t, summary.Daily, 1)
	assert.Equal(t, "sonnet", summary.Daily[0].Model)
	assert.Equal(t, 1, summary.Daily[0].Successful)
	require.Len(t, summary.Recent, 1)
	assert.InDelta(t, 0.42, summary.Recent[0].CostUSD, 0.001)
}

func TestServer_Activity(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.RecordActivity(ctx, state.ActivityEntry{
		Kind:        "issue_enqueued",
		Owner:       "acme",
		Repo:        "widgets",
		IssueNumber: 42,
		Model:       "sonnet",
		Message:     "queued issue #42",
	}))

	rec := ts.get(t, "/activity")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "issue_enqueued")

	rec = ts.get(t, "/activity?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ImportTasks(t *testing.T) {
	ts := newTestServer(t)

	body, err := json.Marshal(jobs.ImportPayload{Tasks: []jobs.ImportTask{
		{Owner: "acme", Repo: "widgets", IssueNumber: 1, Model: "sonnet"},
		{Owner: "acme", Repo: "widgets", IssueNumber: 2},
	}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/import-tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.JobID, "import-"))

	pending, err := ts.queue.PendingCount(context.Background(), jobs.QueueImportTasks)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestServer_ImportTasksRejectsEmptyBatch(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/import-tasks", strings.NewReader(`{"tasks":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StreamTask(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.CreateTask(ctx, "acme", "widgets", 9, "sonnet")
	require.NoError(t, err)
	taskID := "acme-widgets-9-sonnet"

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/task/" + taskID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Wait for the hub to open the bus subscription before publishing.
	require.Eventually(t, func() bool {
		return ts.srv.hub.TaskSubscriberCount(taskID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ts.store.AppendLog(ctx, taskID, []byte("running tests\n"))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ts.store.MarkCompleted(ctx, taskID, state.StateCompletedNoChanges, nil))

	// Read frames until the server closes the stream after the terminal
	// state frame. WritePump may coalesce frames newline-separated.
	frames := make(map[string][]Frame)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		for _, part := range bytes.Split(raw, []byte{'\n'}) {
			if len(part) == 0 {
				continue
			}
			var f Frame
			require.NoError(t, json.Unmarshal(part, &f))
			frames[f.Type] = append(frames[f.Type], f)
		}
	}

	require.NotEmpty(t, frames[state.FrameLog], "expected a log frame")
	assert.Contains(t, frames[state.FrameLog][0].Data["data"], "running tests")

	require.NotEmpty(t, frames[state.FrameState], "expected a state frame")
	last := frames[state.FrameState][len(frames[state.FrameState])-1]
	assert.Equal(t, string(state.StateCompletedNoChanges), last.Data["state"])

	// The terminal frame tears the stream down server-side.
	require.Eventually(t, func() bool {
		return ts.srv.hub.TaskSubscriberCount(taskID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	ts.srv.RegisterHealthCheck("database", ts.store.Ping)
	ts.srv.RegisterHealthCheck("bus", func(context.Context) error {
		return errors.New("disconnected")
	})

	rec = ts.get(t, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Components["database"])
	assert.Equal(t, "disconnected", resp.Components["bus"])
}
