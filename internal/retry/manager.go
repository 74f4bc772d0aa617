package retry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/metrics"
	"github.com/groundgate-ai/groundgate/internal/models"
)

// remediations maps retryable fail codes to their fixed remediation
// action. Codes absent from this map are never retried: PII is terminal by
// safety policy, and the infrastructure codes (FETCH_FAIL, INDEX_MISSING,
// BUDGET_EXCEEDED) surface verbatim to the caller.
var remediations = map[models.FailCode]string{
	models.FailCitationMissing: "add_search",
	models.FailLocatorMissing:  "extract_locators",
	models.FailEvidenceWeak:    "expand_search",
	models.FailAssertionDanger: "soften_language",
}

// ManagerConfig bounds the retry budget for one task.
type ManagerConfig struct {
	MaxRetries int
	CostLimit  float64
}

// DefaultManagerConfig mirrors the service defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{MaxRetries: 3, CostLimit: 5.0}
}

// Ledger persists attempt records so budgets survive process restarts.
type Ledger interface {
	Append(ctx context.Context, taskID string, attempt models.RetryAttempt) error
	TotalCost(ctx context.Context, taskID string) (float64, error)
}

// Manager tracks attempts and spend for one task and gates further retries.
// The attempt log is append-only and total cost accumulates monotonically.
type Manager struct {
	cfg    ManagerConfig
	taskID string
	ledger Ledger
	logger *zap.Logger

	mu        sync.Mutex
	attempts  []models.RetryAttempt
	totalCost float64
}

// NewManager creates a manager with in-memory accounting only.
func NewManager(cfg ManagerConfig, taskID string, logger *zap.Logger) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultManagerConfig().MaxRetries
	}
	if cfg.CostLimit <= 0 {
		cfg.CostLimit = DefaultManagerConfig().CostLimit
	}
	return &Manager{cfg: cfg, taskID: taskID, logger: logger}
}

// NewManagerWithLedger additionally hydrates prior spend from the ledger,
// so a restarted process cannot re-open an exhausted budget.
func NewManagerWithLedger(ctx context.Context, cfg ManagerConfig, taskID string, ledger Ledger, logger *zap.Logger) *Manager {
	m := NewManager(cfg, taskID, logger)
	m.ledger = ledger
	if ledger != nil {
		if cost, err := ledger.TotalCost(ctx, taskID); err != nil {
			logger.Warn("Retry ledger hydration failed, starting from zero",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		} else {
			m.totalCost = cost
		}
	}
	return m
}

// RemediationFor returns the fixed remediation action for a code, if the
// code is retryable at all.
func RemediationFor(code models.FailCode) (string, bool) {
	action, ok := remediations[code]
	return action, ok
}

// ShouldRetry permits another attempt only while the attempt count and
// cost budget both hold and at least one fail code has a remediation.
func (m *Manager) ShouldRetry(codes []models.FailCode, attempt int) bool {
	if attempt >= m.cfg.MaxRetries {
		return false
	}

	m.mu.Lock()
	cost := m.totalCost
	m.mu.Unlock()
	if cost >= m.cfg.CostLimit {
		m.logger.Info("Retry denied: cost budget exhausted",
			zap.String("task_id", m.taskID),
			zap.Float64("total_cost", cost),
			zap.Float64("cost_limit", m.cfg.CostLimit),
		)
		return false
	}

	for _, code := range codes {
		if _, ok := remediations[code]; ok {
			return true
		}
	}
	return false
}

// Remediations returns the actions for every retryable code in the input,
// preserving input order.
func (m *Manager) Remediations(codes []models.FailCode) []string {
	var actions []string
	for _, code := range codes {
		if action, ok := remediations[code]; ok {
			actions = append(actions, action)
		}
	}
	return actions
}

// RecordAttempt appends to the ledger. Cost only ever accumulates.
func (m *Manager) RecordAttempt(attempt models.RetryAttempt) {
	m.mu.Lock()
	m.attempts = append(m.attempts, attempt)
	if attempt.Cost > 0 {
		m.totalCost += attempt.Cost
	}
	m.mu.Unlock()

	metrics.AttemptCostUSD.Observe(attempt.Cost)

	if m.ledger != nil {
		if err := m.ledger.Append(context.Background(), m.taskID, attempt); err != nil {
			m.logger.Warn("Retry ledger append failed",
				zap.String("task_id", m.taskID),
				zap.Int("attempt", attempt.Attempt),
				zap.Error(err),
			)
		}
	}
}

// TotalCost returns accumulated spend.
func (m *Manager) TotalCost() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCost
}

// Attempts returns a copy of the attempt log.
func (m *Manager) Attempts() []models.RetryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RetryAttempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}
