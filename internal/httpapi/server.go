// Package httpapi exposes the task submission and evidence ingestion
// surface plus per-task event streaming.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/auth"
	"github.com/groundgate-ai/groundgate/internal/engine"
	"github.com/groundgate-ai/groundgate/internal/evidence"
	"github.com/groundgate-ai/groundgate/internal/models"
	"github.com/groundgate-ai/groundgate/internal/registry"
)

// EngineFactory builds a fresh engine per root task, matching the
// one-engine-per-root concurrency model.
type EngineFactory func() *engine.Engine

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	registry  *registry.Registry
	store     *evidence.Store
	newEngine EngineFactory
	auth      *auth.Service // nil disables authentication
	logger    *zap.Logger
}

// NewServer creates the API server.
func NewServer(reg *registry.Registry, store *evidence.Store, factory EngineFactory, authSvc *auth.Service, logger *zap.Logger) *Server {
	return &Server{
		registry:  reg,
		store:     store,
		newEngine: factory,
		auth:      authSvc,
		logger:    logger,
	}
}

// RegisterRoutes mounts all API endpoints on mux. The token exchange
// endpoint stays unauthenticated; everything else requires a bearer token
// when auth is configured.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	protected := func(h http.Handler) http.Handler {
		if s.auth == nil {
			return h
		}
		return s.auth.Middleware(h)
	}

	if s.auth != nil {
		mux.HandleFunc("/api/auth/token", s.handleToken)
	}
	mux.Handle("/api/evidence", protected(http.HandlerFunc(s.handleEvidence)))
	mux.Handle("/api/tasks", protected(http.HandlerFunc(s.handleSubmit)))
	mux.Handle("/api/tasks/", protected(http.HandlerFunc(s.handleTask)))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		KeyID  string `json:"key_id"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	token, err := s.auth.Exchange(req.KeyID, req.Secret)
	if err != nil {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "Bearer"})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Source  string `json:"source"`
		Locator string `json:"locator"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Source) == "" || strings.TrimSpace(req.Text) == "" {
		http.Error(w, `{"error":"source and text are required"}`, http.StatusBadRequest)
		return
	}
	id := s.store.AddChunk(req.Source, req.Locator, req.Text)
	writeJSON(w, http.StatusOK, map[string]string{"chunk_id": id})
}

type submitRequest struct {
	Category string          `json:"category"`
	Priority int             `json:"priority"`
	Inputs   json.RawMessage `json:"inputs"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	inputs, err := decodeInputs(models.TaskCategory(req.Category), req.Inputs)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	task := &models.Task{
		ID:       uuid.New().String(),
		Category: models.TaskCategory(req.Category),
		Status:   models.TaskStatusPending,
		Priority: req.Priority,
		Inputs:   inputs,
	}
	s.registry.Register(task)

	// Each root task runs in its own goroutine with its own engine.
	go func() {
		eng := s.newEngine()
		if _, err := eng.ExecuteRoot(context.Background(), task); err != nil {
			s.logger.Error("Task execution failed",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if strings.HasSuffix(rest, "/stream") {
		s.handleStream(w, r, strings.TrimSuffix(rest, "/stream"))
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	task, ok := s.registry.Get(rest)
	if !ok {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task.View())
}

// decodeInputs maps a category to its typed input struct. Unknown
// categories are rejected at the boundary so the engine only ever sees
// the closed sum.
func decodeInputs(category models.TaskCategory, raw json.RawMessage) (models.TaskInputs, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("inputs are required")
	}
	switch category {
	case models.CategoryResearch:
		var in models.ResearchInputs
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("invalid research inputs: %w", err)
		}
		return in, nil
	case models.CategoryExtraction:
		var in models.ExtractionInputs
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("invalid extraction inputs: %w", err)
		}
		return in, nil
	case models.CategorySynthesis:
		var in models.SynthesisInputs
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("invalid synthesis inputs: %w", err)
		}
		return in, nil
	default:
		return nil, fmt.Errorf("unknown category %q", category)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
