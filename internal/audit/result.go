package audit

import (
	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/consensus"
)

// Quality-penalty multiplier floor: degradation never erases the signal
// entirely.
const penaltyFloor = 0.3

// Metadata describes how the audit ran.
type Metadata struct {
	Iterations     int      `json:"iterations"`
	Pages          int      `json:"pages"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	DegradedAgents []string `json:"degraded_agents,omitempty"`
	DroppedEvents  int64    `json:"dropped_events"`
	ExecutionMode  string   `json:"execution_mode"`
	NIMCallsUsed   int      `json:"nim_calls_used"`
	// PenaltyMultiplier is the factor applied to the raw trust score,
	// in [0.3, 1.0].
	PenaltyMultiplier float64 `json:"penalty_multiplier"`
}

// Verdict is one tier of the dual-verdict output.
type Verdict struct {
	Summary string `json:"summary"`
	Notes   string `json:"notes,omitempty"`
}

// AuditResult is the engine's final output for one target URL.
type AuditResult struct {
	URL    string `json:"url"`
	Tier   Tier   `json:"tier"`
	Status Status `json:"status"`

	TrustScore      float64            `json:"trust_score"` // 0..100
	RiskLevel       string             `json:"risk_level"`
	ConfidenceTier  string             `json:"confidence_tier"`
	SignalBreakdown map[string]float64 `json:"signal_breakdown,omitempty"`
	Forced          bool               `json:"forced,omitempty"`

	ConfirmedFindings   []consensus.Result `json:"confirmed_findings"`
	ConflictedFindings  []consensus.Result `json:"conflicted_findings"`
	UnconfirmedFindings []consensus.Result `json:"unconfirmed_findings"`

	// Technical and Plain are populated when dual verdict is enabled.
	Technical *Verdict `json:"technical,omitempty"`
	Plain     *Verdict `json:"plain,omitempty"`

	Errors   []ErrorRecord `json:"errors,omitempty"`
	Metadata Metadata      `json:"metadata"`
}

// applyPenalty folds one degraded outcome's penalty into the multiplier.
// Penalties combine multiplicatively and the result is clamped to
// [penaltyFloor, 1.0].
func applyPenalty(multiplier, penalty float64) float64 {
	if penalty <= 0 {
		return multiplier
	}
	if penalty > 1 {
		penalty = 1
	}
	multiplier *= 1 - penalty
	if multiplier < penaltyFloor {
		multiplier = penaltyFloor
	}
	return multiplier
}

// riskLevelFor derives a risk label when the judge did not supply one.
func riskLevelFor(trust float64) string {
	switch {
	case trust >= 70:
		return "low"
	case trust >= 40:
		return "medium"
	default:
		return "high"
	}
}

// buildVerdicts renders the dual-tier verdict from the judge decision.
func buildVerdicts(decision *analyzer.JudgeDecision) (technical, plain *Verdict) {
	if decision == nil {
		return nil, nil
	}
	technical = &Verdict{Summary: decision.Rationale, Notes: decision.TechnicalNotes}
	plain = &Verdict{Summary: decision.PlainSummary}
	if plain.Summary == "" {
		plain.Summary = decision.Rationale
	}
	return technical, plain
}
