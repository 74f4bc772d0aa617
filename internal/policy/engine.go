// Package policy gates task admission with OPA rego rules evaluated
// before the execution engine runs. Denials in enforce mode keep a task
// from ever reaching RUNNING.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Mode is the enforcement mode.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeDryRun  Mode = "dry-run"
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine settings.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       Mode   `mapstructure:"mode"`
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

// Input is the admission request evaluated against the rules.
type Input struct {
	TaskID        string  `json:"task_id"`
	Category      string  `json:"category"`
	Priority      int     `json:"priority"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// Decision is the policy verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine is the admission policy interface consumed by the execution
// engine.
type Engine interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
	IsEnabled() bool
	Mode() Mode
}

// OPAEngine evaluates .rego rules from a directory. The query expects the
// policy package to expose `allow` (bool) and optionally `reason` (string)
// under data.groundgate.admission.
type OPAEngine struct {
	cfg      Config
	logger   *zap.Logger
	prepared *rego.PreparedEvalQuery
	enabled  bool
}

// NewOPAEngine loads and compiles the rules. With FailClosed unset, a
// missing or broken policy directory degrades to allow-all.
func NewOPAEngine(cfg Config, logger *zap.Logger) (*OPAEngine, error) {
	e := &OPAEngine{
		cfg:     cfg,
		logger:  logger,
		enabled: cfg.Enabled && cfg.Mode != ModeOff,
	}
	if !e.enabled {
		return e, nil
	}

	if err := e.LoadPolicies(); err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("load policies (fail-closed): %w", err)
		}
		logger.Warn("Failed to load policies, admission disabled", zap.Error(err))
		e.enabled = false
	}
	return e, nil
}

// LoadPolicies compiles every .rego file under the configured path.
func (e *OPAEngine) LoadPolicies() error {
	modules := make(map[string]string)
	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, rerr := os.ReadFile(path)
		if rerr != nil {
			return fmt.Errorf("read policy file %s: %w", path, rerr)
		}
		modules[path] = string(content)
		e.logger.Debug("Loaded policy file", zap.String("path", path))
		return nil
	})
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		return fmt.Errorf("no .rego files under %s", e.cfg.Path)
	}

	opts := []func(*rego.Rego){rego.Query("data.groundgate.admission")}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	e.prepared = &prepared
	return nil
}

// Evaluate runs the compiled query. An engine without compiled rules
// allows everything.
func (e *OPAEngine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if !e.enabled || e.prepared == nil {
		return Decision{Allow: true}, nil
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"task_id":        input.TaskID,
		"category":       input.Category,
		"priority":       input.Priority,
		"estimated_cost": input.EstimatedCost,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Allow: true}, nil
	}
	decision := Decision{}
	if allow, ok := doc["allow"].(bool); ok {
		decision.Allow = allow
	}
	if reason, ok := doc["reason"].(string); ok {
		decision.Reason = reason
	}
	if !decision.Allow && decision.Reason == "" {
		decision.Reason = "denied by policy"
	}
	return decision, nil
}

// IsEnabled reports whether admission checks are active.
func (e *OPAEngine) IsEnabled() bool { return e.enabled }

// Mode returns the enforcement mode.
func (e *OPAEngine) Mode() Mode { return e.cfg.Mode }
