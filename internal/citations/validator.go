package citations

import (
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/evidence"
	"github.com/groundgate-ai/groundgate/internal/metrics"
	"github.com/groundgate-ai/groundgate/internal/models"
)

// Validation warning labels. Stable strings consumed by the engine and by
// external tooling reading task history.
const (
	WarnMissingChunkID = "citation_missing_chunk_id"
	WarnChunkNotFound  = "chunk_not_in_evidence_store"
	WarnNotRelevant    = "citation_not_relevant"
)

// Config holds validator tuning.
//
// RelevanceThreshold is the minimum token-set overlap (shared tokens over
// the union of token sets, case-folded, whitespace-split with punctuation
// trimmed from token edges) between answer and chunk text. The original
// heuristic was undocumented; 0.08 was chosen so that a single shared
// sentence in a paragraph-sized chunk passes while topically unrelated
// chunks do not.
type Config struct {
	RelevanceThreshold float64
	QuoteMaxLen        int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RelevanceThreshold: 0.08,
		QuoteMaxLen:        280,
	}
}

// Validator resolves agent-supplied citations against the evidence store
// and drops the invalid or irrelevant ones. It is pure and synchronous;
// all outcomes are data, never errors.
type Validator struct {
	store  *evidence.Store
	cfg    Config
	logger *zap.Logger
}

// NewValidator wires a validator to its store.
func NewValidator(store *evidence.Store, cfg Config, logger *zap.Logger) *Validator {
	if cfg.RelevanceThreshold <= 0 {
		cfg.RelevanceThreshold = DefaultConfig().RelevanceThreshold
	}
	if cfg.QuoteMaxLen <= 0 {
		cfg.QuoteMaxLen = DefaultConfig().QuoteMaxLen
	}
	return &Validator{store: store, cfg: cfg, logger: logger}
}

// Validate checks each citation in order and returns the surviving set plus
// one warning per dropped citation. The agent-supplied source, locator and
// quote are always overwritten from the resolved chunk. Zero valid
// citations is a normal outcome; the caller downgrades status, the
// validator does not fail.
func (v *Validator) Validate(answer string, cits []models.Citation) ([]models.Citation, []string) {
	var valid []models.Citation
	var warnings []string

	answerTokens := tokenize(answer)

	for _, c := range cits {
		if strings.TrimSpace(c.ChunkID) == "" {
			warnings = append(warnings, WarnMissingChunkID)
			metrics.CitationsDropped.WithLabelValues(WarnMissingChunkID).Inc()
			continue
		}

		chunk, ok := v.store.GetChunk(c.ChunkID)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s:%s", WarnChunkNotFound, c.ChunkID))
			metrics.CitationsDropped.WithLabelValues(WarnChunkNotFound).Inc()
			continue
		}

		score := overlapScore(answerTokens, tokenize(chunk.Text))
		if score < v.cfg.RelevanceThreshold {
			v.logger.Debug("Citation below relevance threshold",
				zap.String("chunk_id", c.ChunkID),
				zap.Float64("score", score),
				zap.Float64("threshold", v.cfg.RelevanceThreshold),
			)
			warnings = append(warnings, fmt.Sprintf("%s:%s", WarnNotRelevant, c.ChunkID))
			metrics.CitationsDropped.WithLabelValues(WarnNotRelevant).Inc()
			continue
		}

		// The resolved chunk wins over everything the agent claimed.
		c.Source = chunk.Source
		c.Locator = chunk.Locator
		c.Quote = v.store.GetQuote(c.ChunkID, v.cfg.QuoteMaxLen)

		valid = append(valid, c)
		metrics.CitationsValidated.Inc()
	}

	return valid, warnings
}

// tokenize lower-cases, splits on whitespace and trims punctuation from
// token edges so that "cells." and "cells" compare equal.
func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		t := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if t != "" {
			tokens[t] = struct{}{}
		}
	}
	return tokens
}

// overlapScore is shared-token count over the union of the two token sets.
func overlapScore(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
