// Package engine drives agent tasks through validation, the quality gate
// and the bounded retry loop. The engine never trusts an agent's
// self-reported status: every attempt's outcome is recomputed from
// objective checks, and the agent's proposal can only lower it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/groundgate-ai/groundgate/internal/citations"
	"github.com/groundgate-ai/groundgate/internal/metrics"
	"github.com/groundgate-ai/groundgate/internal/models"
	"github.com/groundgate-ai/groundgate/internal/policy"
	"github.com/groundgate-ai/groundgate/internal/qualitygate"
	"github.com/groundgate-ai/groundgate/internal/retry"
	"github.com/groundgate-ai/groundgate/internal/tracing"
)

// Warning labels emitted by the engine. Stable strings; external tooling
// reads them out of task history.
const (
	WarnEmptyAnswer       = "empty_answer"
	WarnNoValidCitations  = "no_valid_citations"
	WarnAgentReportedFail = "agent_reported_fail_but_output_valid"
	WarnPolicyDenied      = "policy_denied"
)

// ErrInvalidTransition flags a task lifecycle violation. This is a
// programming error, not a validation outcome, so it propagates.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Router produces an agent result for a task. Called once per attempt;
// its return is always treated as untrusted input.
type Router interface {
	Run(ctx context.Context, task *models.Task) (*models.AgentResult, error)
}

// Planner decomposes a root task into ordered subtasks.
type Planner interface {
	Plan(ctx context.Context, task *models.Task) ([]*models.Task, error)
}

// Evaluator is an optional host-supplied check on an attempt's output.
type Evaluator func(*models.AgentResult) models.EvaluationResult

// EventSink receives history events as they are appended, for streaming.
type EventSink interface {
	Publish(taskID string, ev models.HistoryEvent)
}

// Deps are the engine's injected collaborators. Validator, Verifier and
// Policy are constructed once per run and shared by reference; there are
// no hidden globals.
type Deps struct {
	Router    Router
	Planner   Planner // optional
	Validator *citations.Validator
	Verifier  *qualitygate.Verifier
	Policy    *retry.Policy
	Ledger    retry.Ledger  // optional
	Evaluator Evaluator     // optional
	Admission policy.Engine // optional
	Sink      EventSink     // optional
	Logger    *zap.Logger
}

// Config bounds the engine's retry budget and router pacing.
type Config struct {
	Retry     retry.ManagerConfig
	RouterRPM int // 0 disables pacing
}

// Engine orchestrates execution for tasks. One engine instance serves one
// root task's goroutine; independent roots run in separate goroutines with
// their own engines, sharing only the evidence store underneath.
type Engine struct {
	deps    Deps
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// TaskResult is the finalized outcome of one task.
type TaskResult struct {
	TaskID       string                `json:"task_id"`
	Status       models.TaskStatus     `json:"status"`
	Resolved     models.ResolvedStatus `json:"resolved"`
	Answer       string                `json:"answer"`
	Citations    []models.Citation     `json:"citations"`
	Warnings     []string              `json:"warnings"`
	Verify       models.VerifyResult   `json:"verify"`
	Attempts     int                   `json:"attempts"`
	TotalCostUSD float64               `json:"total_cost_usd"`
}

// New builds an engine from its dependencies.
func New(deps Deps, cfg Config) *Engine {
	var limiter *rate.Limiter
	if cfg.RouterRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RouterRPM)/60.0), 1)
	}
	return &Engine{deps: deps, cfg: cfg, limiter: limiter, logger: deps.Logger}
}

// ExecuteRoot plans a root task (when a planner is attached) and runs its
// subtasks in order within the calling goroutine. The first failed subtask
// fails the root.
func (e *Engine) ExecuteRoot(ctx context.Context, root *models.Task) (*TaskResult, error) {
	if e.deps.Planner == nil {
		return e.ExecuteTask(ctx, root)
	}

	subtasks, err := e.deps.Planner.Plan(ctx, root)
	if err != nil {
		e.fail(root, fmt.Sprintf("plan_failed:%v", err))
		return nil, fmt.Errorf("plan root task %s: %w", root.ID, err)
	}
	if len(subtasks) == 0 {
		return e.ExecuteTask(ctx, root)
	}

	e.append(root, "plan", map[string]interface{}{"subtasks": len(subtasks)})

	var last *TaskResult
	for _, sub := range subtasks {
		res, err := e.ExecuteTask(ctx, sub)
		if err != nil {
			e.fail(root, fmt.Sprintf("subtask_failed:%s", sub.ID))
			return nil, err
		}
		e.append(root, "subtask_complete", map[string]interface{}{
			"subtask_id": sub.ID,
			"status":     string(res.Status),
		})
		if res.Status == models.TaskStatusFailed {
			e.fail(root, fmt.Sprintf("subtask_failed:%s", sub.ID))
			last = res
			break
		}
		last = res
	}

	if root.StatusNow() != models.TaskStatusFailed {
		if err := e.transition(root, models.TaskStatusRunning); err != nil {
			return nil, err
		}
		if err := e.transition(root, models.TaskStatusDone); err != nil {
			return nil, err
		}
		e.append(root, "complete", map[string]interface{}{"subtasks": len(subtasks)})
	}
	if last == nil {
		last = &TaskResult{TaskID: root.ID, Status: root.StatusNow()}
	}
	return last, nil
}

// ExecuteTask runs the attempt loop for one task. Validation outcomes are
// encoded as status plus warnings; only infrastructure errors return a
// non-nil error.
func (e *Engine) ExecuteTask(ctx context.Context, task *models.Task) (*TaskResult, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.ExecuteTask")
	defer span.End()

	started := time.Now()
	category := string(task.Category)

	// Admission policy runs before the task ever reaches RUNNING.
	if denied, reason := e.admissionDenied(ctx, task); denied {
		warning := fmt.Sprintf("%s:%s", WarnPolicyDenied, reason)
		e.fail(task, warning)
		metrics.TasksCompleted.WithLabelValues(category, string(task.StatusNow())).Inc()
		return &TaskResult{
			TaskID:   task.ID,
			Status:   task.StatusNow(),
			Resolved: models.ResolvedFail,
			Warnings: []string{warning},
			Verify:   qualitygate.UnverifiedResult(),
		}, nil
	}

	if err := e.transition(task, models.TaskStatusRunning); err != nil {
		return nil, err
	}
	e.append(task, "start", nil)
	metrics.TasksStarted.WithLabelValues(category).Inc()

	mgr := retry.NewManagerWithLedger(ctx, e.cfg.Retry, task.ID, e.deps.Ledger, e.logger)

	var (
		res      *models.AgentResult
		resolved models.ResolvedStatus
		warnings []string
		verify   models.VerifyResult
		eval     models.EvaluationResult
		attempt  int
	)

	for attempt = 1; ; attempt++ {
		var err error
		res, err = e.callRouter(ctx, task)
		if err != nil {
			// Transport failure is infrastructure: surface it verbatim.
			warning := fmt.Sprintf("%s:%v", strings.ToLower(string(models.FailFetch)), err)
			e.fail(task, warning)
			metrics.TasksCompleted.WithLabelValues(category, string(task.StatusNow())).Inc()
			return nil, fmt.Errorf("router run for task %s: %w", task.ID, err)
		}

		attemptStart := time.Now()
		resolved, warnings = e.resolve(res)
		metrics.AttemptsTotal.WithLabelValues(category, string(resolved)).Inc()

		if resolved == models.ResolvedFail {
			verify = qualitygate.UnverifiedResult()
		} else {
			verify = e.deps.Verifier.Verify(res.Answer, res.Citations, res.Claims, res.Evidence)
		}

		mgr.RecordAttempt(models.RetryAttempt{
			Attempt:  attempt,
			Changes:  strings.Join(mgr.Remediations(verify.Codes()), ","),
			Improved: resolved == models.ResolvedSuccess,
			Cost:     res.CostUSD(),
			TimeMs:   time.Since(attemptStart).Milliseconds(),
		})

		if e.deps.Evaluator == nil {
			eval = models.EvaluationResult{OK: true}
			break
		}
		eval = e.deps.Evaluator(res)

		decision := e.deps.Policy.Decide(eval, attempt)
		if !decision.ShouldRetry || !mgr.ShouldRetry(verify.ErrorCodes(), attempt) {
			break
		}

		e.append(task, "retry", map[string]interface{}{
			"attempt":      attempt,
			"reason":       decision.Reason,
			"remediations": mgr.Remediations(verify.ErrorCodes()),
		})
		e.deps.Policy.Wait(e.deps.Policy.Backoff(attempt))
	}

	// Finalize. A failed task always carries at least one warning or fail
	// reason explaining why; silent downgrades are disallowed.
	ok := eval.OK
	if ok {
		if err := e.transition(task, models.TaskStatusDone); err != nil {
			return nil, err
		}
	} else {
		if len(warnings) == 0 && len(verify.FailReasons) == 0 {
			warnings = append(warnings, eval.Errors...)
		}
		if err := e.transition(task, models.TaskStatusFailed); err != nil {
			return nil, err
		}
	}

	e.append(task, "complete", map[string]interface{}{
		"agent_status":     string(res.Status),
		"resolved":         string(resolved),
		"quality_warnings": warnings,
		"attempts":         attempt,
	})
	final := task.StatusNow()
	metrics.TasksCompleted.WithLabelValues(category, string(final)).Inc()
	metrics.TaskDuration.WithLabelValues(category).Observe(time.Since(started).Seconds())

	e.logger.Info("Task finalized",
		zap.String("task_id", task.ID),
		zap.String("status", string(final)),
		zap.String("resolved", string(resolved)),
		zap.Int("attempts", attempt),
		zap.Float64("total_cost_usd", mgr.TotalCost()),
	)

	return &TaskResult{
		TaskID:       task.ID,
		Status:       final,
		Resolved:     resolved,
		Answer:       res.Answer,
		Citations:    res.Citations,
		Warnings:     warnings,
		Verify:       verify,
		Attempts:     attempt,
		TotalCostUSD: mgr.TotalCost(),
	}, nil
}

// resolve recomputes the attempt outcome from objective checks, in fixed
// order. The agent's proposed status is consulted last and can only floor
// an otherwise valid result at PARTIAL, never raise it.
func (e *Engine) resolve(res *models.AgentResult) (models.ResolvedStatus, []string) {
	if strings.TrimSpace(res.Answer) == "" {
		// Terminal for this attempt; no further checks run.
		return models.ResolvedFail, []string{WarnEmptyAnswer}
	}

	valid, warnings := e.deps.Validator.Validate(res.Answer, res.Citations)

	var resolved models.ResolvedStatus
	if len(valid) == 0 {
		if len(res.Citations) == 0 {
			warnings = []string{WarnNoValidCitations}
		}
		resolved = models.ResolvedPartial
	} else {
		resolved = models.ResolvedSuccess
	}
	res.Citations = valid

	if res.Status == models.ProposedFail {
		resolved = models.ResolvedPartial
		warnings = append(warnings, WarnAgentReportedFail)
	}
	return resolved, warnings
}

// callRouter paces and traces the single external suspension point.
func (e *Engine) callRouter(ctx context.Context, task *models.Task) (*models.AgentResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("router pacing: %w", err)
		}
	}
	ctx, span := tracing.StartSpan(ctx, "engine.RouterRun")
	defer span.End()
	return e.deps.Router.Run(ctx, task)
}

// admissionDenied consults the admission policy engine, if attached.
// Dry-run denials are logged but never block.
func (e *Engine) admissionDenied(ctx context.Context, task *models.Task) (bool, string) {
	adm := e.deps.Admission
	if adm == nil || !adm.IsEnabled() {
		return false, ""
	}
	decision, err := adm.Evaluate(ctx, policy.Input{
		TaskID:   task.ID,
		Category: string(task.Category),
		Priority: task.Priority,
	})
	if err != nil {
		e.logger.Warn("Admission policy evaluation failed, allowing task",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return false, ""
	}
	metrics.PolicyDecisions.WithLabelValues(decisionLabel(decision.Allow), string(adm.Mode())).Inc()
	if decision.Allow {
		return false, ""
	}
	if adm.Mode() != policy.ModeEnforce {
		e.logger.Info("Admission policy would deny (dry-run)",
			zap.String("task_id", task.ID),
			zap.String("reason", decision.Reason),
		)
		return false, ""
	}
	return true, decision.Reason
}

func decisionLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

// transition enforces the monotonic lifecycle and publishes nothing by
// itself; history is appended by the caller.
func (e *Engine) transition(task *models.Task, next models.TaskStatus) error {
	if !task.Transition(next) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, task.StatusNow(), next, task.ID)
	}
	return nil
}

// fail force-finalizes a task with an explanatory warning. Used for
// pre-execution denials and infrastructure failures.
func (e *Engine) fail(task *models.Task, warning string) {
	status := task.StatusNow()
	if status == models.TaskStatusPending || status == models.TaskStatusBlocked {
		_ = e.transition(task, models.TaskStatusRunning)
	}
	if !task.StatusNow().Terminal() {
		_ = e.transition(task, models.TaskStatusFailed)
	}
	e.append(task, "complete", map[string]interface{}{
		"quality_warnings": []string{warning},
	})
}

// append writes to the task's ordered history and forwards to the sink.
func (e *Engine) append(task *models.Task, event string, payload map[string]interface{}) {
	ev := task.AppendHistory(event, payload)
	if e.deps.Sink != nil {
		e.deps.Sink.Publish(task.ID, ev)
	}
}
