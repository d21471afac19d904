package audit

import "github.com/truststack/webaudit/internal/analyzer"

// route is the orchestrator's next transition after a routing point.
type route int

const (
	routeContinue route = iota
	routeAbort
	routeScout
	routeForceVerdict
	routeEnd
)

// consecutive scout failures with no prior success that abort the audit.
const maxScoutFailures = 3

// routeAfterScout aborts once the target has proven unreachable: three
// consecutive scout failures without a single success.
func routeAfterScout(st *State) route {
	if st.ScoutFailures >= maxScoutFailures && !st.ScoutSuccess {
		return routeAbort
	}
	return routeContinue
}

// routeAfterJudge decides the next transition. Terminal states win every
// tie; between looping and forcing, budget exhaustion forces.
func routeAfterJudge(st *State, decision *analyzer.JudgeDecision) route {
	if st.Terminal() {
		return routeEnd
	}
	if decision == nil || decision.Action == analyzer.ActionRenderVerdict {
		return routeEnd
	}

	// REQUEST_MORE_INVESTIGATION: loop only while both the page budget and
	// the pending queue allow it.
	if budgetExhausted(st) {
		return routeForceVerdict
	}
	if len(st.Investigated) < st.MaxPages && len(st.PendingURLs) > 0 {
		return routeScout
	}
	return routeForceVerdict
}

// budgetExhausted is the pre-phase budget gate: iteration, page, or
// wall-clock budget spent.
func budgetExhausted(st *State) bool {
	if st.Iteration >= st.MaxIterations {
		return true
	}
	if len(st.Investigated) >= st.MaxPages {
		return true
	}
	if st.Elapsed() >= BudgetFor(st.Tier).Deadline {
		return true
	}
	return false
}
