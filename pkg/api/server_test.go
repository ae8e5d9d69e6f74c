package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/agentbus/pkg/agent"
	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/llm"
	"github.com/agentbus/agentbus/pkg/memory"
	"github.com/agentbus/agentbus/pkg/metrics"
	"github.com/agentbus/agentbus/pkg/mlrouter"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/orchestrator"
	"github.com/agentbus/agentbus/pkg/queue"
	"github.com/agentbus/agentbus/pkg/services"
	"github.com/agentbus/agentbus/pkg/skills"
	"github.com/agentbus/agentbus/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testStack struct {
	router *gin.Engine
	store  store.Store
}

func newTestStack(t *testing.T, httpCfg config.HTTPConfig) *testStack {
	t.Helper()

	registry, err := agent.NewRegistry(agent.DefaultAgents()...)
	require.NoError(t, err)
	sk, err := skills.Load("")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	q := queue.NewTaskQueue(time.Minute)
	bus := events.NewBus(events.DefaultOptions())
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := &llm.Mock{Script: []llm.MockTurn{{Content: "stage output", Usage: 10}}}

	runtime := agent.NewRuntime(registry, st, bus, mock, memory.Noop{}, sk, logger)
	orch := orchestrator.New(st, q, bus, registry, mlrouter.Static(false), config.OrchestratorConfig{}, m)

	poolCfg := queue.PoolConfig{
		Workers: config.WorkersConfig{CPU: config.WorkerClassConfig{Count: 2}, GPU: config.WorkerClassConfig{Count: 1}},
		Worker:  config.WorkerConfig{TaskTimeoutMS: 5000},
		Queue: config.QueueConfig{
			VisibilityTimeoutMS:  60000,
			DequeueTimeoutMS:     50,
			OrphanScanIntervalMS: 3600000,
			OrphanThresholdMS:    60000,
		},
	}
	pool := queue.NewPool("api-test", st, q, bus, runtime, orch, poolCfg, m)
	orch.SetCanceller(pool)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		pool.Stop()
		q.Close()
		_ = st.Close()
	})

	server := NewServer(httpCfg, st,
		services.NewJobService(st, orch, bus),
		services.NewArtifactService(st),
		services.NewEventService(bus),
		services.NewUsageService(st),
		pool, m)

	return &testStack{router: server.Router(), store: st}
}

func (ts *testStack) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testStack) createJob(t *testing.T) string {
	t.Helper()
	w := ts.do(http.MethodPost, "/api/projects", services.CreateJobRequest{
		ProjectID:    "p1",
		Requirements: "Build a notes app with tags and search.",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusQueued, job.Status)
	return job.ID
}

func (ts *testStack) waitForStatus(t *testing.T, jobID string, status models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := ts.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{})
	jobID := ts.createJob(t)
	ts.waitForStatus(t, jobID, models.JobStatusWaitingForApproval)

	w := ts.do(http.MethodGet, "/api/projects/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusWaitingForApproval, job.Status)

	w = ts.do(http.MethodGet, "/api/projects/"+jobID+"/artifacts/prd", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var artifact models.Artifact
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &artifact))
	assert.Equal(t, "stage output", artifact.Content)

	w = ts.do(http.MethodGet, "/api/projects?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), jobID)

	w = ts.do(http.MethodGet, "/api/projects/"+jobID+"/tasks", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "prd_generation")

	w = ts.do(http.MethodGet, "/api/projects/"+jobID+"/usage", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage models.Usage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.GreaterOrEqual(t, usage.Calls, int64(1))

	// Approve and run to completion.
	w = ts.do(http.MethodPost, "/api/projects/"+jobID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ts.waitForStatus(t, jobID, models.JobStatusCompleted)

	// Approving a completed job conflicts.
	w = ts.do(http.MethodPost, "/api/projects/"+jobID+"/approve", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Terminal jobs can be deleted.
	w = ts.do(http.MethodDelete, "/api/projects/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(http.MethodGet, "/api/projects/"+jobID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestChangesOverHTTP(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{})
	jobID := ts.createJob(t)
	ts.waitForStatus(t, jobID, models.JobStatusWaitingForApproval)

	w := ts.do(http.MethodPost, "/api/projects/"+jobID+"/request_changes",
		map[string]string{"notes": "Add offline sync."}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ts.waitForStatus(t, jobID, models.JobStatusWaitingForApproval)

	w = ts.do(http.MethodGet, "/api/projects/"+jobID+"/tasks", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Add offline sync.")
}

func TestCancelOverHTTP(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{})
	jobID := ts.createJob(t)
	ts.waitForStatus(t, jobID, models.JobStatusWaitingForApproval)

	w := ts.do(http.MethodPost, "/api/projects/"+jobID+"/cancel",
		map[string]string{"reason": "user"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, "user", job.FailureReason)

	// Already terminal.
	w = ts.do(http.MethodPost, "/api/projects/"+jobID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Restart is admissible from cancelled.
	w = ts.do(http.MethodPost, "/api/projects/"+jobID+"/restart", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ts.waitForStatus(t, jobID, models.JobStatusWaitingForApproval)
}

func TestValidationAndNotFound(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{})

	w := ts.do(http.MethodPost, "/api/projects", map[string]string{"project_id": "p1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/api/projects/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodGet, "/api/projects/nope/artifacts/bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/api/projects/nope/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, "/api/projects/nope/request_changes", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/api/projects?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBearerAuth(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{AuthToken: "secret"})

	w := ts.do(http.MethodGet, "/api/projects", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodGet, "/api/projects", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodGet, "/api/projects", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Exempt endpoints.
	w = ts.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{})

	w := ts.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = ts.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agentbus_sse_subscribers")
}

func TestEventHistoryOverHTTP(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{})
	jobID := ts.createJob(t)
	ts.waitForStatus(t, jobID, models.JobStatusWaitingForApproval)

	w := ts.do(http.MethodGet, "/api/events/history?job_id="+jobID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "job_created")
	assert.Contains(t, w.Body.String(), "hitl_requested")

	w = ts.do(http.MethodGet, "/api/events/history?since_id=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequeueOrphansEndpoint(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{})

	w := ts.do(http.MethodPost, "/api/admin/requeue-orphans", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"requeued":0}`, w.Body.String())
}

func TestEventStreamFraming(t *testing.T) {
	ts := newTestStack(t, config.HTTPConfig{HeartbeatMS: 100})
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	jobID := ts.createJob(t)
	ts.waitForStatus(t, jobID, models.JobStatusWaitingForApproval)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := fmt.Sprintf("%s/api/events/stream?job_id=%s&since_id=0", srv.URL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Replay must deliver the ring-buffered history for the job.
	scanner := bufio.NewScanner(resp.Body)
	sawID, sawCreated, sawHITL := false, false, false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			sawID = true
		}
		if line == "event: job_created" {
			sawCreated = true
		}
		if line == "event: hitl_requested" {
			sawHITL = true
		}
		if sawID && sawCreated && sawHITL {
			break
		}
	}
	assert.True(t, sawID, "no id: lines seen")
	assert.True(t, sawCreated, "job_created not replayed")
	assert.True(t, sawHITL, "hitl_requested not replayed")
}
