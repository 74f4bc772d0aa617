package qualitygate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/models"
)

func newTestVerifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	v, err := NewVerifier(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return v
}

func cited() []models.Citation {
	return []models.Citation{{ChunkID: "c1", Section: "s2"}}
}

func TestVerifyCleanAnswerPasses(t *testing.T) {
	v := newTestVerifier(t, DefaultConfig())

	result := v.Verify("The study suggests a modest effect.", cited(), nil, nil)
	assert.True(t, result.GatePassed)
	assert.True(t, result.Verified)
	assert.Empty(t, result.FailReasons)
	assert.Equal(t, 1.0, result.Metrics["citation_count"])
}

func TestVerifyMissingCitationsBlocks(t *testing.T) {
	v := newTestVerifier(t, DefaultConfig())

	result := v.Verify("Uncited answer.", nil, nil, nil)
	assert.False(t, result.GatePassed)
	require.Len(t, result.FailReasons, 1)
	assert.Equal(t, models.FailCitationMissing, result.FailReasons[0].Code)
	assert.Equal(t, models.SeverityError, result.FailReasons[0].Severity)
}

func TestVerifyMissingLocators(t *testing.T) {
	v := newTestVerifier(t, DefaultConfig())

	cits := []models.Citation{
		{ChunkID: "c1", Section: "s1"},
		{ChunkID: "c2"},
	}
	result := v.Verify("Answer.", cits, nil, nil)
	assert.False(t, result.GatePassed)
	assert.InDelta(t, 0.5, result.Metrics["locator_coverage"], 1e-9)
	assert.Equal(t, []models.FailCode{models.FailLocatorMissing}, result.ErrorCodes())
}

func TestVerifyAssertionIsWarningOnly(t *testing.T) {
	v := newTestVerifier(t, DefaultConfig())

	result := v.Verify("This treatment is definitely effective and certainly safe.", cited(), nil, nil)
	// Over-assertive language warns but does not block the gate.
	assert.True(t, result.GatePassed)
	require.Len(t, result.FailReasons, 1)
	assert.Equal(t, models.FailAssertionDanger, result.FailReasons[0].Code)
	assert.Equal(t, models.SeverityWarning, result.FailReasons[0].Severity)
	assert.Equal(t, 2.0, result.Metrics["assertion_count"])
}

func TestVerifyPIIBlocks(t *testing.T) {
	v := newTestVerifier(t, DefaultConfig())

	result := v.Verify("Contact the author at jane.doe@example.com for data.", cited(), nil, nil)
	assert.False(t, result.GatePassed)
	assert.Contains(t, result.ErrorCodes(), models.FailPIIDetected)
	assert.Equal(t, 1.0, result.Metrics["pii_count"])
}

func TestVerifyEvidenceCoverage(t *testing.T) {
	v := newTestVerifier(t, Config{RequireCitations: true, MinEvidenceCoverage: 0.5})

	claims := []models.Claim{{ID: "cl1"}, {ID: "cl2"}, {ID: "cl3"}, {ID: "cl4"}}
	ev := []models.ClaimEvidence{{ClaimID: "cl1", ChunkID: "c1"}}

	result := v.Verify("Answer.", cited(), claims, ev)
	assert.False(t, result.GatePassed)
	assert.InDelta(t, 0.25, result.Metrics["evidence_coverage"], 1e-9)
	assert.Contains(t, result.ErrorCodes(), models.FailEvidenceWeak)

	// Coverage at the floor passes.
	ev = append(ev, models.ClaimEvidence{ClaimID: "cl2", ChunkID: "c2"})
	result = v.Verify("Answer.", cited(), claims, ev)
	assert.True(t, result.GatePassed)
}

func TestVerifyCoverageSkippedWithoutClaims(t *testing.T) {
	v := newTestVerifier(t, Config{RequireCitations: true, MinEvidenceCoverage: 1.0})

	result := v.Verify("Answer.", cited(), nil, nil)
	assert.True(t, result.GatePassed)
	_, ok := result.Metrics["evidence_coverage"]
	assert.False(t, ok)
}

func TestGateVerdictDerivedFromSeverities(t *testing.T) {
	v := newTestVerifier(t, DefaultConfig())

	// Warning-only and error-bearing results must agree with their
	// severities exactly.
	for _, tc := range []struct {
		name   string
		answer string
		cits   []models.Citation
	}{
		{"clean", "Modest effect observed.", cited()},
		{"assertive", "Definitely works.", cited()},
		{"pii", "Email me at a@b.co now.", cited()},
		{"uncited", "No sources.", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			result := v.Verify(tc.answer, tc.cits, nil, nil)
			assert.Equal(t, len(result.ErrorCodes()) == 0, result.GatePassed)
		})
	}
}

func TestUnverifiedResult(t *testing.T) {
	result := UnverifiedResult()
	assert.False(t, result.GatePassed)
	assert.False(t, result.Verified)
	assert.Equal(t, []models.FailCode{models.FailVerifyNotRun}, result.ErrorCodes())
}

func TestReloadSwapsRules(t *testing.T) {
	v := newTestVerifier(t, DefaultConfig())

	require.NoError(t, v.Reload(&RuleSet{
		Assertion: []PatternRule{{Name: "custom", Pattern: `\bironclad\b`}},
		PII:       []PatternRule{{Name: "badge", Pattern: `\bBADGE-\d+\b`}},
	}))

	result := v.Verify("An ironclad result from BADGE-1234.", cited(), nil, nil)
	assert.False(t, result.GatePassed)
	assert.Contains(t, result.ErrorCodes(), models.FailPIIDetected)
	assert.Equal(t, 1.0, result.Metrics["assertion_count"])

	// Old default patterns no longer fire.
	result = v.Verify("This is definitely fine, write to a@b.co.", cited(), nil, nil)
	assert.True(t, result.GatePassed)
}

func TestReloadRejectsBrokenRules(t *testing.T) {
	v := newTestVerifier(t, DefaultConfig())
	err := v.Reload(&RuleSet{PII: []PatternRule{{Name: "broken", Pattern: `([`}}})
	require.Error(t, err)

	// Previous rules still active.
	result := v.Verify("Email a@b.co please.", cited(), nil, nil)
	assert.False(t, result.GatePassed)
}
