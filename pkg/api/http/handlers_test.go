package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/taskstream/internal/application/injector"
	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/internal/application/supervisor"
	"github.com/aescanero/taskstream/internal/application/workers"
	"github.com/aescanero/taskstream/pkg/adapters/eventlog/memory"
	"github.com/aescanero/taskstream/pkg/domain"
	"github.com/aescanero/taskstream/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverOption func(*Config)

func withAppendRate(rps float64, burst int) serverOption {
	return func(cfg *Config) {
		cfg.AppendRateLimit = rps
		cfg.AppendRateBurst = burst
	}
}

func newTestServer(t *testing.T, opts ...serverOption) (*Server, *queue.Manager) {
	t.Helper()

	log := memory.NewInMemoryEventLog()
	manager := queue.NewManager(log, queue.Options{BlockTimeout: 10 * time.Millisecond})

	pool := workers.NewPool(2, nil)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	cfg := &Config{
		Manager:        manager,
		Injector:       injector.New(log, injector.Options{}),
		Supervisor:     supervisor.New(manager, pool, nil, nil, time.Second),
		MetricsHandler: http.NotFoundHandler(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return NewServer(cfg), manager
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type historyResponse struct {
	TaskID string          `json:"task_id"`
	Events []EntryResponse `json:"events"`
}

func history(t *testing.T, s *Server, taskID string) historyResponse {
	t.Helper()

	rec := do(t, s, http.MethodGet, "/api/v1/tasks/"+taskID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func messageBody(text string) AppendEventRequest {
	payload, _ := json.Marshal(&domain.Message{
		MessageID: "m-" + text,
		Role:      domain.RoleAgent,
		Parts:     []domain.Part{domain.TextPart(text)},
	})
	return AppendEventRequest{Type: string(domain.KindMessage), Payload: payload}
}

func TestHealthWithoutMonitor(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAppendThenHistory(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("hello"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", AppendEventRequest{
		Type:    "custom-kind",
		Payload: json.RawMessage(`{"x":1}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	out := history(t, s, "t1")
	require.Len(t, out.Events, 2)
	assert.Equal(t, string(domain.KindMessage), out.Events[0].Type)
	assert.Equal(t, "custom-kind", out.Events[1].Type)
	assert.JSONEq(t, `{"x":1}`, string(out.Events[1].Payload))

	since := history(t, s, "t1").Events[0].ID
	rec = do(t, s, http.MethodGet, "/api/v1/tasks/t1/events?since="+since, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, "custom-kind", page.Events[0].Type)

	rec = do(t, s, http.MethodGet, "/api/v1/tasks/t1/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest EntryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, "custom-kind", latest.Type)
}

func TestAppendRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", map[string]string{"type": "Message"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", AppendEventRequest{
		Type:    string(domain.KindMessage),
		Payload: json.RawMessage(`"not an object"`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", AppendEventRequest{
		Type:    "CLOSE",
		Payload: json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/t1/status", StatusUpdateRequest{
		ContextID: "ctx",
		State:     "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestOnEmptyStream(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/tasks/none/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCloseRejectsLaterAppends(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/tasks/t1/status", StatusUpdateRequest{
		ContextID: "ctx",
		State:     string(domain.TaskStateWorking),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/t1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("late"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	out := history(t, s, "t1")
	require.Len(t, out.Events, 2)
	assert.Equal(t, "CLOSE", out.Events[1].Type)
}

func TestCloseRegisteredQueue(t *testing.T) {
	s, manager := newTestServer(t)
	manager.GetOrCreate("t1")

	rec := do(t, s, http.MethodPost, "/api/v1/tasks/t1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := manager.Get("t1")
	assert.False(t, ok)
}

func TestDeleteRemovesHistory(t *testing.T) {
	s, _ := newTestServer(t)

	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("a")).Code)

	rec := do(t, s, http.MethodDelete, "/api/v1/tasks/t1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Empty(t, history(t, s, "t1").Events)
}

// sseEvents parses the event names of a server-sent events body
func sseEvents(body string) []string {
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			names = append(names, strings.TrimSpace(name))
		}
	}
	return names
}

func TestStreamReplaysClosedTask(t *testing.T) {
	s, _ := newTestServer(t)

	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("one")).Code)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("two")).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/tasks/t1/close", nil).Code)

	rec := do(t, s, http.MethodGet, "/api/v1/tasks/t1/stream?from=start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"Message", "Message", "close"}, sseEvents(rec.Body.String()))
	assert.Contains(t, rec.Body.String(), "one")
	assert.Contains(t, rec.Body.String(), "two")
}

func TestStreamResumesAfterLastEventID(t *testing.T) {
	s, _ := newTestServer(t)

	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("one")).Code)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("two")).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/tasks/t1/close", nil).Code)

	first := history(t, s, "t1").Events[0].ID

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/t1/stream", nil)
	req.Header.Set("Last-Event-ID", first)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, []string{"Message", "close"}, sseEvents(rec.Body.String()))
	assert.NotContains(t, rec.Body.String(), "m-one")
}

func TestStreamTailOfClosedTaskEndsImmediately(t *testing.T) {
	s, _ := newTestServer(t)

	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("one")).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/tasks/t1/close", nil).Code)

	rec := do(t, s, http.MethodGet, "/api/v1/tasks/t1/stream", nil)
	assert.Equal(t, []string{"close"}, sseEvents(rec.Body.String()))
}

func TestStreamStopsWhenClientLeaves(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/open/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after the client left")
	}
	assert.NotContains(t, sseEvents(rec.Body.String()), "close")
}

func TestStreamDeliversUnknownKindWithNonJSONPayload(t *testing.T) {
	s, manager := newTestServer(t)
	ctx := context.Background()

	key := manager.NewQueue("t1").StreamKey()
	_, err := manager.Log().Append(ctx, key, "Custom", []byte("not json"), ports.AppendOptions{})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/tasks/t1/events", messageBody("after")).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/tasks/t1/close", nil).Code)

	rec := do(t, s, http.MethodGet, "/api/v1/tasks/t1/stream?from=start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Custom", "Message", "close"}, sseEvents(rec.Body.String()))
	assert.Contains(t, rec.Body.String(), "data:\"not json\"\n\n")
	assert.Contains(t, rec.Body.String(), "m-after")
}

func TestStreamRejectsInvalidCursor(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/tasks/t1/stream?from=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_CURSOR")
	assert.NotEqual(t, "text/event-stream", rec.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/t1/stream", nil)
	req.Header.Set("Last-Event-ID", "not-an-id")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloseStreamsEndsOpenFollowers(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/open/stream", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	// let the follower start reading
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.CloseStreams(ctx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on shutdown")
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, sseEvents(rec.Body.String()), "close")

	rec = do(t, s, http.MethodGet, "/api/v1/tasks/open/stream", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitEchoTask(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/tasks", TaskSubmitRequest{
		TaskID: "echo-1",
		Text:   "hello streaming world",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp TaskSubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo-1", resp.TaskID)
	assert.NotEmpty(t, resp.ContextID)

	require.Eventually(t, func() bool {
		events := history(t, s, "echo-1").Events
		return len(events) > 0 && events[len(events)-1].Type == "CLOSE"
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, s, http.MethodGet, "/api/v1/tasks/echo-1/stream?from=start", nil)
	names := sseEvents(rec.Body.String())
	require.NotEmpty(t, names)
	assert.Equal(t, string(domain.KindStatusUpdate), names[0])
	assert.Equal(t, "close", names[len(names)-1])
	assert.Contains(t, names, string(domain.KindArtifactUpdate))
}

func TestSubmitRejectsDuplicateRunningTask(t *testing.T) {
	s, _ := newTestServer(t)
	s.echoDelay = 200 * time.Millisecond

	body := TaskSubmitRequest{TaskID: "dup", Text: "a b c"}
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/tasks", body).Code)

	rec := do(t, s, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/dup/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitRequiresText(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/tasks", map[string]string{"task_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
