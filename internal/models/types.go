package models

import (
	"sync"
	"time"
)

// Task statuses. Transitions are monotonic: PENDING -> RUNNING -> {DONE, FAILED}.
// BLOCKED is a pre-execution state for tasks waiting on admission or dependencies.
const (
	TaskStatusPending TaskStatus = "PENDING"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusDone    TaskStatus = "DONE"
	TaskStatusFailed  TaskStatus = "FAILED"
	TaskStatusBlocked TaskStatus = "BLOCKED"
)

// TaskStatus is the engine-owned lifecycle state of a task.
type TaskStatus string

// terminal reports whether a status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// CanTransitionTo enforces the monotonic lifecycle. A terminal status never
// re-enters PENDING or RUNNING.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusBlocked:
		return next == TaskStatusRunning || next == TaskStatusFailed || next == TaskStatusBlocked
	case TaskStatusRunning:
		return next == TaskStatusDone || next == TaskStatusFailed
	default:
		return false
	}
}

// ProposedStatus is the status an agent reports for its own output.
// It is advisory only: the engine recomputes the real outcome and the
// proposal can only ever lower confidence, never raise it.
type ProposedStatus string

const (
	ProposedSuccess ProposedStatus = "success"
	ProposedPartial ProposedStatus = "partial"
	ProposedFail    ProposedStatus = "fail"
)

// ResolvedStatus is the engine-computed outcome of a single attempt,
// derived from objective checks over the agent's output. It is kept
// strictly separate from ProposedStatus.
type ResolvedStatus string

const (
	ResolvedSuccess ResolvedStatus = "SUCCESS"
	ResolvedPartial ResolvedStatus = "PARTIAL"
	ResolvedFail    ResolvedStatus = "FAIL"
)

// Chunk is an immutable, content-addressed span of source text. Chunks are
// created once at ingestion, owned exclusively by the evidence store, and
// never mutated or deleted during a run.
type Chunk struct {
	ChunkID string `json:"chunk_id" db:"chunk_id"`
	Source  string `json:"source" db:"source"`
	Locator string `json:"locator" db:"locator"`
	Text    string `json:"text" db:"text"`
}

// Citation is an agent's claim that a specific chunk supports part of its
// answer. Source, Locator and Quote arrive untrusted and are overwritten
// from the resolved chunk at validation time. Section is the structured
// locator the quality gate checks for.
type Citation struct {
	ChunkID string `json:"chunk_id"`
	Source  string `json:"source,omitempty"`
	Locator string `json:"locator,omitempty"`
	Section string `json:"section,omitempty"`
	Quote   string `json:"quote,omitempty"`
}

// AgentResult is the raw, untrusted output of one Router invocation.
// Claims and Evidence are optional producer-extracted sets consumed only
// by the quality gate's coverage check.
type AgentResult struct {
	Answer    string                 `json:"answer"`
	Citations []Citation             `json:"citations"`
	Status    ProposedStatus         `json:"status"`
	Claims    []Claim                `json:"claims,omitempty"`
	Evidence  []ClaimEvidence        `json:"evidence,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// CostUSD extracts the producer-reported cost from Meta, zero when absent.
func (r *AgentResult) CostUSD() float64 {
	if r.Meta == nil {
		return 0
	}
	switch v := r.Meta["cost_usd"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// FailCode is the closed fail-code vocabulary shared by the quality gate,
// the retry manager and external tooling. These names are a wire contract
// and must not be renamed.
type FailCode string

const (
	FailCitationMissing FailCode = "CITATION_MISSING"
	FailLocatorMissing  FailCode = "LOCATOR_MISSING"
	FailEvidenceWeak    FailCode = "EVIDENCE_WEAK"
	FailAssertionDanger FailCode = "ASSERTION_DANGER"
	FailPIIDetected     FailCode = "PII_DETECTED"
	FailFetch           FailCode = "FETCH_FAIL"
	FailIndexMissing    FailCode = "INDEX_MISSING"
	FailBudgetExceeded  FailCode = "BUDGET_EXCEEDED"
	FailVerifyNotRun    FailCode = "VERIFY_NOT_RUN"
)

// Severity of a fail reason. Only error-severity reasons block the gate.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// FailReason is a single classified failure condition.
type FailReason struct {
	Code     FailCode `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// VerifyResult is the outcome of one quality-gate pass. GatePassed is true
// iff no fail reason carries error severity. Verified is false only when
// the gate itself was skipped.
type VerifyResult struct {
	GatePassed  bool               `json:"gate_passed"`
	FailReasons []FailReason       `json:"fail_reasons"`
	Metrics     map[string]float64 `json:"metrics"`
	Verified    bool               `json:"verified"`
}

// ErrorCodes returns the codes of all error-severity reasons.
func (r VerifyResult) ErrorCodes() []FailCode {
	var codes []FailCode
	for _, fr := range r.FailReasons {
		if fr.Severity == SeverityError {
			codes = append(codes, fr.Code)
		}
	}
	return codes
}

// Codes returns all fail codes regardless of severity.
func (r VerifyResult) Codes() []FailCode {
	codes := make([]FailCode, 0, len(r.FailReasons))
	for _, fr := range r.FailReasons {
		codes = append(codes, fr.Code)
	}
	return codes
}

// Claim is a discrete factual assertion extracted from an answer.
type Claim struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ClaimEvidence links a claim to a supporting chunk.
type ClaimEvidence struct {
	ClaimID string `json:"claim_id"`
	ChunkID string `json:"chunk_id"`
}

// HistoryEvent is one record in a task's append-only, strictly ordered
// event log. Persistence of the log is a collaborator's concern.
type HistoryEvent struct {
	Event     string                 `json:"event"`
	Status    TaskStatus             `json:"status"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Task is one unit of work driven through the execution engine. The engine
// goroutine is the sole writer; concurrent readers go through StatusNow and
// View.
type Task struct {
	mu sync.RWMutex

	ID       string         `json:"id"`
	Category TaskCategory   `json:"category"`
	Status   TaskStatus     `json:"status"`
	Priority int            `json:"priority"`
	Inputs   TaskInputs     `json:"inputs,omitempty"`
	History  []HistoryEvent `json:"history"`
}

// TaskView is a read-only copy of a task's observable state, safe to
// serialize while the task is still running.
type TaskView struct {
	ID       string         `json:"id"`
	Category TaskCategory   `json:"category"`
	Status   TaskStatus     `json:"status"`
	Priority int            `json:"priority"`
	History  []HistoryEvent `json:"history"`
}

// AppendHistory adds an event to the task's ordered log and returns it.
// Events are never reordered or removed.
func (t *Task) AppendHistory(event string, payload map[string]interface{}) HistoryEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := HistoryEvent{
		Event:     event,
		Status:    t.Status,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	t.History = append(t.History, ev)
	return ev
}

// StatusNow returns the current status under the task lock.
func (t *Task) StatusNow() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// Transition moves the task to next, enforcing the monotonic lifecycle.
// It reports whether the transition was legal.
func (t *Task) Transition(next TaskStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Status.CanTransitionTo(next) {
		return false
	}
	t.Status = next
	return true
}

// View copies the task's observable state.
func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := make([]HistoryEvent, len(t.History))
	copy(history, t.History)
	return TaskView{
		ID:       t.ID,
		Category: t.Category,
		Status:   t.Status,
		Priority: t.Priority,
		History:  history,
	}
}

// EvaluationResult is the host-supplied evaluator's verdict on one attempt.
type EvaluationResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// RetryAttempt is one entry in the retry manager's append-only ledger.
type RetryAttempt struct {
	Attempt  int     `json:"attempt"`
	Changes  string  `json:"changes"`
	Improved bool    `json:"improved"`
	Cost     float64 `json:"cost"`
	TimeMs   int64   `json:"time_ms"`
}
