// Package agents contains Router implementations that bridge the engine
// to external agent services.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/models"
)

// HTTPRouter calls an external agent service over HTTP. Its output is
// untrusted by contract: the engine revalidates everything. Transport and
// non-2xx failures surface as errors (infrastructure), never as statuses.
type HTTPRouter struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPRouter creates a router against the given agent endpoint. The
// timeout bounds the single blocking call per attempt; wall-clock limits
// are this collaborator's responsibility, not the engine's.
func NewHTTPRouter(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPRouter {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPRouter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type runRequest struct {
	TaskID   string            `json:"task_id"`
	Category string            `json:"category"`
	Inputs   models.TaskInputs `json:"inputs,omitempty"`
}

// Run submits the task and decodes the agent's result.
func (r *HTTPRouter) Run(ctx context.Context, task *models.Task) (*models.AgentResult, error) {
	payload, err := json.Marshal(runRequest{
		TaskID:   task.ID,
		Category: string(task.Category),
		Inputs:   task.Inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/agent/run", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent service returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result models.AgentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode agent result: %w", err)
	}

	r.logger.Debug("Agent result received",
		zap.String("task_id", task.ID),
		zap.Int("citations", len(result.Citations)),
		zap.String("proposed_status", string(result.Status)),
	)
	return &result, nil
}
