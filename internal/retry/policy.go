// Package retry bounds re-execution by attempt count and cost budget.
// Wall-clock cancellation is deliberately out of scope: the only limits
// are attempts and spend.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/metrics"
	"github.com/groundgate-ai/groundgate/internal/models"
)

// Decide reasons. Stable strings surfaced in task history.
const (
	ReasonValidationFailed   = "validation_failed"
	ReasonMaxAttemptsReached = "max_attempts_reached"
)

// PolicyConfig tunes backoff behavior.
type PolicyConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultPolicyConfig mirrors the service defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Decision is the outcome of a retry check.
type Decision struct {
	ShouldRetry bool   `json:"should_retry"`
	Reason      string `json:"reason"`
}

// Policy retries a function with capped exponential backoff. The sleep is
// a real blocking wait inside the calling goroutine, which is the engine's
// only suspension point besides the Router call.
type Policy struct {
	cfg    PolicyConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is injectable for tests.
	sleep func(time.Duration)
}

// NewPolicy creates a retry policy.
func NewPolicy(cfg PolicyConfig, logger *zap.Logger) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPolicyConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultPolicyConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultPolicyConfig().MaxDelay
	}
	return &Policy{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  time.Sleep,
	}
}

// MaxAttempts exposes the attempt cap.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// Execute runs fn up to MaxAttempts times, sleeping the backoff delay
// between attempts, and returns the last error after exhaustion.
func (p *Policy) Execute(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt < p.cfg.MaxAttempts {
			delay := p.Backoff(attempt)
			p.logger.Debug("Retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			p.Wait(delay)
		}
	}
	return lastErr
}

// Decide returns whether another attempt is allowed after an evaluation.
// Exhausted attempts always win over a failed evaluation.
func (p *Policy) Decide(eval models.EvaluationResult, attempt int) Decision {
	if eval.OK {
		return Decision{ShouldRetry: false, Reason: ""}
	}
	if attempt >= p.cfg.MaxAttempts {
		return Decision{ShouldRetry: false, Reason: ReasonMaxAttemptsReached}
	}
	return Decision{ShouldRetry: true, Reason: ReasonValidationFailed}
}

// Backoff computes the delay before the attempt following `attempt`:
// min(max_delay, base_delay * 2^(attempt-1)), jittered by a factor in
// [0.5, 1.5) when enabled.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(p.cfg.MaxDelay) {
		d = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter {
		p.mu.Lock()
		factor := 0.5 + p.rng.Float64()
		p.mu.Unlock()
		d *= factor
		if d > float64(p.cfg.MaxDelay) {
			d = float64(p.cfg.MaxDelay)
		}
	}
	return time.Duration(d)
}

// Wait blocks for the given delay and records it.
func (p *Policy) Wait(delay time.Duration) {
	metrics.RetryDelaySeconds.Observe(delay.Seconds())
	p.sleep(delay)
}
