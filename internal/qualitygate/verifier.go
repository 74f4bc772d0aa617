// Package qualitygate decides pass/fail for an agent answer from a fixed
// taxonomy of structural, quality and safety checks. The gate is a pure
// rule engine: it never calls out, and its verdict is derived solely from
// fail-reason severities.
package qualitygate

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/metrics"
	"github.com/groundgate-ai/groundgate/internal/models"
)

// Config holds the gate's policy knobs.
type Config struct {
	RequireCitations    bool
	RequireLocators     bool
	MinEvidenceCoverage float64
}

// DefaultConfig enables structural checks with a moderate coverage floor.
func DefaultConfig() Config {
	return Config{
		RequireCitations:    true,
		RequireLocators:     true,
		MinEvidenceCoverage: 0.5,
	}
}

// Verifier evaluates answers against the configured rules. Detection
// patterns are compiled once and injected at construction; Reload swaps
// them atomically for hot reload.
type Verifier struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	assertion []Rule
	pii       []Rule
}

// NewVerifier compiles the given rule set. A nil rule set uses the
// built-in defaults.
func NewVerifier(cfg Config, rs *RuleSet, logger *zap.Logger) (*Verifier, error) {
	if rs == nil {
		rs = DefaultRuleSet()
	}
	assertion, pii, err := rs.Compile()
	if err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg, logger: logger, assertion: assertion, pii: pii}, nil
}

// Reload replaces the active rules. The previous rules stay active if the
// new set fails to compile.
func (v *Verifier) Reload(rs *RuleSet) error {
	assertion, pii, err := rs.Compile()
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.assertion = assertion
	v.pii = pii
	v.mu.Unlock()
	return nil
}

// Verify runs every check and returns the gate verdict. Claims and
// evidence are optional; the coverage check only runs when both are
// supplied. Assertion hits are warnings by policy (hedge-language
// suggestions), PII hits always block: the asymmetry is deliberate and
// independent of pattern-match confidence.
func (v *Verifier) Verify(answer string, cits []models.Citation, claims []models.Claim, evidence []models.ClaimEvidence) models.VerifyResult {
	result := models.VerifyResult{
		Metrics:  make(map[string]float64),
		Verified: true,
	}

	// Structural: citations present.
	result.Metrics["citation_count"] = float64(len(cits))
	if v.cfg.RequireCitations && len(cits) == 0 {
		result.FailReasons = append(result.FailReasons, models.FailReason{
			Code:     models.FailCitationMissing,
			Message:  "answer has no citations",
			Severity: models.SeverityError,
		})
	}

	// Structural: locator coverage.
	if v.cfg.RequireLocators && len(cits) > 0 {
		missing := 0
		for _, c := range cits {
			if strings.TrimSpace(c.Section) == "" {
				missing++
			}
		}
		result.Metrics["locator_coverage"] = 1 - float64(missing)/float64(len(cits))
		if missing > 0 {
			result.FailReasons = append(result.FailReasons, models.FailReason{
				Code:     models.FailLocatorMissing,
				Message:  fmt.Sprintf("%d of %d citations lack a section locator", missing, len(cits)),
				Severity: models.SeverityError,
			})
		}
	}

	v.mu.RLock()
	assertion := v.assertion
	pii := v.pii
	v.mu.RUnlock()

	// Quality: over-assertive language.
	assertionCount := 0
	var assertionNames []string
	for _, rule := range assertion {
		n := len(rule.Pattern.FindAllStringIndex(answer, -1))
		if n > 0 {
			assertionCount += n
			assertionNames = append(assertionNames, rule.Name)
		}
	}
	result.Metrics["assertion_count"] = float64(assertionCount)
	if assertionCount > 0 {
		result.FailReasons = append(result.FailReasons, models.FailReason{
			Code:     models.FailAssertionDanger,
			Message:  "over-assertive language detected (" + strings.Join(assertionNames, ", ") + "); consider hedging",
			Severity: models.SeverityWarning,
		})
	}

	// Safety: PII.
	piiCount := 0
	var piiNames []string
	for _, rule := range pii {
		n := len(rule.Pattern.FindAllStringIndex(answer, -1))
		if n > 0 {
			piiCount += n
			piiNames = append(piiNames, rule.Name)
		}
	}
	result.Metrics["pii_count"] = float64(piiCount)
	if piiCount > 0 {
		result.FailReasons = append(result.FailReasons, models.FailReason{
			Code:     models.FailPIIDetected,
			Message:  "answer contains PII (" + strings.Join(piiNames, ", ") + ")",
			Severity: models.SeverityError,
		})
	}

	// Quality: evidence coverage over claims.
	if len(claims) > 0 && evidence != nil {
		referenced := make(map[string]struct{})
		for _, ev := range evidence {
			referenced[ev.ClaimID] = struct{}{}
		}
		covered := 0
		for _, cl := range claims {
			if _, ok := referenced[cl.ID]; ok {
				covered++
			}
		}
		coverage := float64(covered) / float64(len(claims))
		result.Metrics["evidence_coverage"] = coverage
		if coverage < v.cfg.MinEvidenceCoverage {
			result.FailReasons = append(result.FailReasons, models.FailReason{
				Code:     models.FailEvidenceWeak,
				Message:  fmt.Sprintf("evidence coverage %.2f below minimum %.2f", coverage, v.cfg.MinEvidenceCoverage),
				Severity: models.SeverityError,
			})
		}
	}

	// The gate verdict is derived from severities alone.
	result.GatePassed = true
	for _, fr := range result.FailReasons {
		metrics.GateFailReasons.WithLabelValues(string(fr.Code), string(fr.Severity)).Inc()
		if fr.Severity == models.SeverityError {
			result.GatePassed = false
		}
	}
	metrics.GateDecisions.WithLabelValues(strconv.FormatBool(result.GatePassed)).Inc()

	v.logger.Debug("Quality gate evaluated",
		zap.Bool("gate_passed", result.GatePassed),
		zap.Int("fail_reasons", len(result.FailReasons)),
		zap.Int("citations", len(cits)),
	)

	return result
}

// UnverifiedResult marks a bypassed gate. Skipping verification is always a
// hard failure.
func UnverifiedResult() models.VerifyResult {
	return models.VerifyResult{
		GatePassed: false,
		Verified:   false,
		FailReasons: []models.FailReason{{
			Code:     models.FailVerifyNotRun,
			Message:  "quality gate was not run",
			Severity: models.SeverityError,
		}},
		Metrics: map[string]float64{},
	}
}
