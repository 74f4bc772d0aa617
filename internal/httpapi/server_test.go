package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/auth"
	"github.com/groundgate-ai/groundgate/internal/citations"
	"github.com/groundgate-ai/groundgate/internal/engine"
	"github.com/groundgate-ai/groundgate/internal/evidence"
	"github.com/groundgate-ai/groundgate/internal/models"
	"github.com/groundgate-ai/groundgate/internal/qualitygate"
	"github.com/groundgate-ai/groundgate/internal/registry"
	"github.com/groundgate-ai/groundgate/internal/retry"
)

type fixedRouter struct {
	result models.AgentResult
}

func (r *fixedRouter) Run(context.Context, *models.Task) (*models.AgentResult, error) {
	res := r.result
	return &res, nil
}

func newTestMux(t *testing.T, authSvc *auth.Service) (*http.ServeMux, *registry.Registry, *evidence.Store) {
	t.Helper()
	logger := zap.NewNop()
	store := evidence.NewStore(logger)
	reg := registry.New(logger)
	verifier, err := qualitygate.NewVerifier(qualitygate.Config{RequireCitations: true}, nil, logger)
	require.NoError(t, err)

	factory := func() *engine.Engine {
		return engine.New(engine.Deps{
			Router:    &fixedRouter{result: models.AgentResult{Answer: "An uncited answer.", Status: models.ProposedSuccess}},
			Validator: citations.NewValidator(store, citations.DefaultConfig(), logger),
			Verifier:  verifier,
			Policy:    retry.NewPolicy(retry.PolicyConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger),
			Sink:      reg,
			Logger:    logger,
		}, engine.Config{})
	}

	mux := http.NewServeMux()
	NewServer(reg, store, factory, authSvc, logger).RegisterRoutes(mux)
	return mux, reg, store
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSubmitTask(t *testing.T) {
	mux, reg, _ := newTestMux(t, nil)

	rec := postJSON(t, mux, "/api/tasks", map[string]interface{}{
		"category": "research",
		"inputs":   map[string]interface{}{"query": "what is CRISPR"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID := resp["task_id"]
	require.NotEmpty(t, taskID)

	task, ok := reg.Get(taskID)
	require.True(t, ok)

	// Execution runs async; wait for the terminal status.
	deadline := time.Now().Add(2 * time.Second)
	for !task.StatusNow().Terminal() {
		if time.Now().After(deadline) {
			t.Fatal("task never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, models.TaskStatusDone, task.StatusNow())
}

func TestSubmitRejectsUnknownCategory(t *testing.T) {
	mux, _, _ := newTestMux(t, nil)

	rec := postJSON(t, mux, "/api/tasks", map[string]interface{}{
		"category": "demolition",
		"inputs":   map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsMissingInputs(t *testing.T) {
	mux, _, _ := newTestMux(t, nil)

	rec := postJSON(t, mux, "/api/tasks", map[string]interface{}{"category": "research"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	mux, reg, _ := newTestMux(t, nil)
	task := &models.Task{ID: "t1", Category: models.CategoryResearch, Status: models.TaskStatusPending}
	task.AppendHistory("queued", nil)
	reg.Register(task)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/t1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view models.TaskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "t1", view.ID)
	assert.Len(t, view.History, 1)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/absent", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvidenceIngestion(t *testing.T) {
	mux, _, store := newTestMux(t, nil)

	rec := postJSON(t, mux, "/api/evidence", map[string]string{
		"source":  "paper.pdf",
		"locator": "p3",
		"text":    "CRISPR edits genomes.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, store.HasChunk(resp["chunk_id"]))

	// Missing source is rejected.
	rec = postJSON(t, mux, "/api/evidence", map[string]string{"text": "orphan"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthProtectsEndpoints(t *testing.T) {
	logger := zap.NewNop()
	authSvc := auth.NewService("signing-key", time.Hour, logger)
	require.NoError(t, authSvc.RegisterAPIKey("key-1", "s3cret"))
	mux, _, _ := newTestMux(t, authSvc)

	// Unauthenticated request bounces.
	rec := postJSON(t, mux, "/api/evidence", map[string]string{"source": "doc", "text": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token exchange stays open.
	rec = postJSON(t, mux, "/api/auth/token", map[string]string{"key_id": "key-1", "secret": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tokenResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))

	// Bearer token opens the door.
	body, _ := json.Marshal(map[string]string{"source": "doc", "text": "chunk text"})
	req := httptest.NewRequest(http.MethodPost, "/api/evidence", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tokenResp["access_token"])
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecodeInputsShapes(t *testing.T) {
	in, err := decodeInputs(models.CategoryExtraction, json.RawMessage(`{"source_ids":["s1"],"fields":["title"]}`))
	require.NoError(t, err)
	assert.Equal(t, models.CategoryExtraction, in.Category())

	in, err = decodeInputs(models.CategorySynthesis, json.RawMessage(`{"question":"q"}`))
	require.NoError(t, err)
	assert.Equal(t, models.CategorySynthesis, in.Category())

	_, err = decodeInputs(models.CategoryResearch, nil)
	assert.Error(t, err)
}
