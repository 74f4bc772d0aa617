package qualitygate

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/groundgate-ai/groundgate/internal/models"
)

// PatternRule is one named regex in the rule file.
type PatternRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// RuleSet is the on-disk shape of the detection rules. Order matters: the
// verifier scans patterns in file order.
type RuleSet struct {
	Assertion []PatternRule `yaml:"assertion"`
	PII       []PatternRule `yaml:"pii"`
}

// Rule is a compiled detection rule bound to its fail code and severity.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Code     models.FailCode
	Severity models.Severity
}

// DefaultRuleSet returns the built-in patterns used when no rule file is
// configured. Assertion language is advisory by policy; PII always blocks.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Assertion: []PatternRule{
			{Name: "absolute_en", Pattern: `(?i)\b(definitely|certainly|undoubtedly|unquestionably|guaranteed)\b`},
			{Name: "proof_en", Pattern: `(?i)\b(is|are|was|were|has been|have been)\s+(proven|proved|conclusively (shown|demonstrated))\b`},
			{Name: "universal_en", Pattern: `(?i)\b(always|never|all|none) of the (cases|patients|studies|samples)\b`},
			{Name: "no_doubt_en", Pattern: `(?i)\bwithout (any )?doubt\b`},
			{Name: "absolute_zh", Pattern: `肯定|绝对|毫无疑问|必然|百分之百`},
			{Name: "absolute_ja", Pattern: `間違いなく|絶対に|確実に`},
		},
		PII: []PatternRule{
			{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
			{Name: "email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
			{Name: "phone", Pattern: `\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`},
		},
	}
}

// LoadRuleSet reads a rule file. Missing or empty sections fall back to the
// defaults so a partial file cannot silently disable a whole category.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}
	defaults := DefaultRuleSet()
	if len(rs.Assertion) == 0 {
		rs.Assertion = defaults.Assertion
	}
	if len(rs.PII) == 0 {
		rs.PII = defaults.PII
	}
	return &rs, nil
}

// Compile turns the rule set into ordered, pre-compiled rule lists.
func (rs *RuleSet) Compile() (assertion []Rule, pii []Rule, err error) {
	for _, pr := range rs.Assertion {
		re, cerr := regexp.Compile(pr.Pattern)
		if cerr != nil {
			return nil, nil, fmt.Errorf("compile assertion rule %q: %w", pr.Name, cerr)
		}
		assertion = append(assertion, Rule{
			Name:     pr.Name,
			Pattern:  re,
			Code:     models.FailAssertionDanger,
			Severity: models.SeverityWarning,
		})
	}
	for _, pr := range rs.PII {
		re, cerr := regexp.Compile(pr.Pattern)
		if cerr != nil {
			return nil, nil, fmt.Errorf("compile pii rule %q: %w", pr.Name, cerr)
		}
		pii = append(pii, Rule{
			Name:     pr.Name,
			Pattern:  re,
			Code:     models.FailPIIDetected,
			Severity: models.SeverityError,
		})
	}
	return assertion, pii, nil
}

// WatchRules reloads the verifier's rules whenever the file changes.
// A broken edit keeps the previous rules in place.
func WatchRules(ctx context.Context, path string, v *Verifier, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch rules file %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				rs, err := LoadRuleSet(path)
				if err != nil {
					logger.Warn("Rules reload failed, keeping previous rules", zap.Error(err))
					continue
				}
				if err := v.Reload(rs); err != nil {
					logger.Warn("Rules recompile failed, keeping previous rules", zap.Error(err))
					continue
				}
				logger.Info("Detection rules reloaded", zap.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Rules watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
