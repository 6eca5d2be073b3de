// Package completion decides when the audit loop is done. Evaluate is a
// pure function over a session's history and its effective thresholds.
package completion

import (
	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/fingerprint"
	"github.com/gansauditor/gansauditor/pkg/models"
	"github.com/gansauditor/gansauditor/pkg/session"
)

// Decision is the evaluator's output. Similarity carries the pairwise
// comparison result when one was computed, for the session's stagnation
// memory.
type Decision struct {
	Complete bool
	Reason   models.CompletionReason

	SimilarityComputed bool
	Similarity         float64
}

// Evaluate applies the termination rules in order: ship tiers, hard stop,
// stagnation, critical-issue persistence. Ship tiers win ties with kill
// switches. The score considered is always the LAST iteration's.
func Evaluate(s *session.Session) Decision {
	cfg := s.Config.Completion
	loop := s.CurrentLoop
	if loop == 0 {
		return Decision{}
	}
	score := s.LastScore()

	// 1. Ship tiers, first match fires.
	switch {
	case score >= cfg.Tier1Score && loop >= cfg.Tier1MinLoops:
		return Decision{Complete: true, Reason: models.ReasonTier1}
	case score >= cfg.Tier2Score && loop >= cfg.Tier2MinLoops:
		return Decision{Complete: true, Reason: models.ReasonTier2}
	case score >= cfg.Tier3Score && loop >= cfg.Tier3MinLoops:
		return Decision{Complete: true, Reason: models.ReasonTier3}
	}

	// 2. Hard stop.
	if loop >= cfg.HardStopLoops {
		return Decision{Complete: true, Reason: models.ReasonHardStop}
	}

	// 3. Stagnation: successive submissions nearly identical.
	var d Decision
	if loop >= cfg.StagnationStartLoop && len(s.History) >= 2 {
		last, prev := comparisonBodies(s, cfg.StagnationSource)
		d.Similarity = fingerprint.Similarity(last, prev)
		d.SimilarityComputed = true
		if d.Similarity >= cfg.StagnationThreshold {
			d.Complete = true
			d.Reason = models.ReasonStagnation
			return d
		}
	}

	// 4. Critical-issue persistence.
	if cfg.CriticalPersistEnabled && loop >= cfg.CriticalPersistLoops {
		if s.History[len(s.History)-1].Review.HasCriticalComment() {
			d.Complete = true
			d.Reason = models.ReasonCriticalPersist
			return d
		}
	}

	return d
}

// comparisonBodies selects the texts compared for stagnation: the
// submitter's thoughts by default, or the judge's summaries.
func comparisonBodies(s *session.Session, source config.StagnationSource) (last, prev string) {
	a := s.History[len(s.History)-1]
	b := s.History[len(s.History)-2]
	if source == config.StagnationFromReviews {
		return a.Review.Summary, b.Review.Summary
	}
	return a.Thought, b.Thought
}
