package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CherryPod/sentinel-sub001/pkg/approval"
	"github.com/CherryPod/sentinel-sub001/pkg/bus"
	"github.com/CherryPod/sentinel-sub001/pkg/channels"
	"github.com/CherryPod/sentinel-sub001/pkg/database"
	"github.com/CherryPod/sentinel-sub001/pkg/memory"
	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
	"github.com/CherryPod/sentinel-sub001/pkg/routines"
	"github.com/CherryPod/sentinel-sub001/pkg/session"
)

type fakeTaskService struct {
	mu       sync.Mutex
	requests []orchestrator.TaskRequest
	approved []string
	status   string
}

func (f *fakeTaskService) HandleTask(_ context.Context, req orchestrator.TaskRequest) *models.TaskResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	status := f.status
	if status == "" {
		status = models.StatusSuccess
	}
	return &models.TaskResult{TaskID: "t-1", Status: status}
}

func (f *fakeTaskService) ExecuteApprovedPlan(_ context.Context, approvalID string) *models.TaskResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, approvalID)
	return &models.TaskResult{TaskID: "t-1", Status: models.StatusSuccess}
}

type fakeRunner struct {
	err error
}

func (f *fakeRunner) TriggerManual(routineID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "exec-" + routineID, nil
}

func testEmbedding(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)%7) + 0.1, 0.5, 0.25}, nil
}

type apiHarness struct {
	server    *Server
	router    *gin.Engine
	orch      *fakeTaskService
	approvals *approval.Manager
	sessions  *session.Store
	memory    *memory.Store
	routines  *routines.Store
}

func newHarness(t *testing.T, cfg Config) *apiHarness {
	t.Helper()

	client, err := database.NewClient(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	b := bus.New(nil)
	mem, err := memory.NewStore("", testEmbedding, client.DB(), b, nil)
	require.NoError(t, err)

	h := &apiHarness{
		orch:      &fakeTaskService{},
		approvals: approval.NewManager(nil, time.Minute, nil),
		sessions:  session.NewStore(nil, time.Hour, 100, nil),
		memory:    mem,
		routines:  routines.NewStore(client.DB(), 10, nil),
	}
	h.server = NewServer(Deps{
		Orch:      h.orch,
		Approvals: h.approvals,
		Sessions:  h.sessions,
		Memory:    h.memory,
		Routines:  h.routines,
		Engine:    &fakeRunner{},
		SSE:       channels.NewSSEStreamer(b, nil),
		DB:        client.DB(),
	}, cfg, nil)
	h.router = h.server.Router()
	return h
}

func (h *apiHarness) do(method, path, pin string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:54321"
	req.Header.Set("Content-Type", "application/json")
	if pin != "" {
		req.Header.Set("X-Sentinel-Pin", pin)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthNeedsNoPin(t *testing.T) {
	h := newHarness(t, Config{PIN: "123456"})

	for _, path := range []string{"/health", "/api/health"} {
		rec := h.do(http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
	}
}

func TestPinRequired(t *testing.T) {
	h := newHarness(t, Config{PIN: "123456"})

	rec := h.do(http.MethodPost, "/api/task", "", map[string]string{"request": "do something"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/api/task", "123456", map[string]string{"request": "do something"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPinLockout(t *testing.T) {
	h := newHarness(t, Config{PIN: "123456"})

	for i := 0; i < 5; i++ {
		rec := h.do(http.MethodGet, "/api/approval/none", "wrong", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// Even the correct PIN is refused during the lockout window.
	rec := h.do(http.MethodGet, "/api/approval/none", "123456", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPinSuccessClearsFailures(t *testing.T) {
	h := newHarness(t, Config{PIN: "123456"})

	for i := 0; i < 4; i++ {
		h.do(http.MethodGet, "/api/approval/none", "wrong", nil)
	}
	rec := h.do(http.MethodGet, "/api/approval/none", "123456", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The counter restarted; four more failures do not lock.
	for i := 0; i < 4; i++ {
		h.do(http.MethodGet, "/api/approval/none", "wrong", nil)
	}
	rec = h.do(http.MethodGet, "/api/approval/none", "123456", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskRateLimit(t *testing.T) {
	h := newHarness(t, Config{TaskRateLimit: 2})

	body := map[string]string{"request": "count to ten"}
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/task", "", body).Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/task", "", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodPost, "/api/task", "", body).Code)
}

func TestBodySizeLimit(t *testing.T) {
	h := newHarness(t, Config{MaxRequestBytes: 200})

	rec := h.do(http.MethodPost, "/api/task", "", map[string]string{
		"request": strings.Repeat("x", 500),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do(http.MethodPost, "/api/task", "", map[string]string{"request": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/task", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTaskReachesOrchestrator(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do(http.MethodPost, "/api/task", "", map[string]string{
		"request": "  summarize the logs  ",
		"source":  "cli",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusSuccess, decodeBody(t, rec)["status"])

	require.Len(t, h.orch.requests, 1)
	req := h.orch.requests[0]
	assert.Equal(t, "summarize the logs", req.UserRequest)
	assert.Equal(t, "cli", req.Source)
	assert.Equal(t, "cli:10.0.0.1", req.SourceKey)
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t, Config{})
	plan := &models.Plan{PlanSummary: "write a file"}
	id := h.approvals.Request(plan, "http:10.0.0.1", "write it")

	rec := h.do(http.MethodGet, "/api/approval/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, approval.StatusPending, body["status"])
	assert.Equal(t, "write a file", body["plan_summary"])

	rec = h.do(http.MethodPost, "/api/approve/"+id, "", map[string]any{"granted": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusSuccess, decodeBody(t, rec)["status"])
	assert.Equal(t, []string{id}, h.orch.approved)

	// A second decision for the same id is rejected.
	rec = h.do(http.MethodPost, "/api/approve/"+id, "", map[string]any{"granted": true})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["reason"], "Invalid, expired, or duplicate")
}

func TestApprovalNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.do(http.MethodGet, "/api/approval/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionDebugView(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.sessions.GetOrCreate("websocket:peer-9", "websocket")
	h.sessions.AddTurn(sess, session.ConversationTurn{
		RequestText: "hello", ResultStatus: models.StatusSuccess, Timestamp: time.Now(),
	})

	rec := h.do(http.MethodGet, "/api/session/websocket:peer-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "websocket", body["source"])
	assert.Len(t, body["turns"], 1)

	rec = h.do(http.MethodGet, "/api/session/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemoryCRUD(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do(http.MethodPost, "/api/memory", "", map[string]any{
		"content":  "the deploy window is tuesday",
		"metadata": map[string]string{"kind": "note"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	chunkID, ok := decodeBody(t, rec)["chunk_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, chunkID)

	rec = h.do(http.MethodGet, "/api/memory/search?q=deploy+window&limit=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "the deploy window is tuesday")

	rec = h.do(http.MethodGet, "/api/memory/"+chunkID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "the deploy window is tuesday", decodeBody(t, rec)["content"])

	rec = h.do(http.MethodDelete, "/api/memory/"+chunkID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/memory/"+chunkID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemoryValidation(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do(http.MethodPost, "/api/memory", "", map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/memory/search", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutineCRUD(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do(http.MethodPost, "/api/routine", "", map[string]any{
		"name":         "morning digest",
		"prompt":       "summarize overnight alerts",
		"trigger_type": "cron",
		"schedule":     "0 9 * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	routineID, _ := decodeBody(t, rec)["routine_id"].(string)
	require.NotEmpty(t, routineID)

	rec = h.do(http.MethodGet, "/api/routine?user_id=default", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "morning digest")

	rec = h.do(http.MethodPatch, "/api/routine/"+routineID, "", map[string]any{
		"name": "evening digest",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "evening digest", decodeBody(t, rec)["name"])

	rec = h.do(http.MethodPatch, "/api/routine/"+routineID, "", map[string]any{
		"user_id": "someone-else",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/routine/"+routineID+"/run", "", map[string]any{})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "exec-"+routineID, decodeBody(t, rec)["execution_id"])

	rec = h.do(http.MethodGet, "/api/routine/"+routineID+"/executions", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodDelete, "/api/routine/"+routineID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/routine/"+routineID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutineInvalidTrigger(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do(http.MethodPost, "/api/routine", "", map[string]any{
		"name":         "broken",
		"prompt":       "do things",
		"trigger_type": "cron",
		"schedule":     "not a cron expr",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsRequireTaskID(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.do(http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCORSAllowlist(t *testing.T) {
	h := newHarness(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	send := func(method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/health", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		return rec
	}

	rec := send(http.MethodGet, "https://app.example.com")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = send(http.MethodOptions, "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Sentinel-Pin")

	rec = send(http.MethodGet, "https://evil.example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims whitespace", "  hello  ", "hello"},
		{"collapses newlines", "a\n\n\n\n\nb", "a\n\nb"},
		{"keeps double newline", "a\n\nb", "a\n\nb"},
		{"normalizes to nfc", "café", "café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeText(tt.in))
		})
	}
}

func TestValidateTaskRequestBounds(t *testing.T) {
	_, err := validateTaskRequest(strings.Repeat("a", maxFieldChars+1))
	require.Error(t, err)

	_, err = validateReason(strings.Repeat("a", maxReasonChars+1))
	require.Error(t, err)

	got, err := validateReason("  because it writes files  ")
	require.NoError(t, err)
	assert.Equal(t, "because it writes files", got)
}
