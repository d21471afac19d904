// Package audit implements the orchestration engine: the phase state
// machine, tier budgets, routing, and the final verdict assembly.
package audit

import (
	"time"

	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/auditerrors"
)

// Tier selects the audit budgets.
type Tier string

const (
	TierQuick    Tier = "quick"
	TierStandard Tier = "standard"
	TierDeep     Tier = "deep"
)

// Budget is the iteration, page, and wall-clock allowance for a tier.
type Budget struct {
	MaxIterations int
	MaxPages      int
	Deadline      time.Duration
}

var tierBudgets = map[Tier]Budget{
	TierQuick:    {MaxIterations: 1, MaxPages: 1, Deadline: 60 * time.Second},
	TierStandard: {MaxIterations: 3, MaxPages: 5, Deadline: 3 * time.Minute},
	TierDeep:     {MaxIterations: 5, MaxPages: 10, Deadline: 7 * time.Minute},
}

// BudgetFor returns the budget for a tier; unknown tiers get standard.
func BudgetFor(tier Tier) Budget {
	if b, ok := tierBudgets[tier]; ok {
		return b
	}
	return tierBudgets[TierStandard]
}

// Status is the audit lifecycle state. Transitions are monotonic: running
// moves to exactly one of the terminal states and never back.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
)

// ExecutionMode selects how independent phase subtasks are driven.
type ExecutionMode string

const (
	// ModeCooperative runs all phases sequentially on the driver.
	ModeCooperative ExecutionMode = "cooperative"
	// ModeParallelTier runs SECURITY and VISION concurrently.
	ModeParallelTier ExecutionMode = "parallel-tier"
)

// ErrorRecord is one append-only entry in the audit error log.
type ErrorRecord struct {
	Phase   string           `json:"phase"`
	Kind    auditerrors.Kind `json:"kind"`
	Message string           `json:"message"`
	Time    time.Time        `json:"time"`
}

// State is the audit's mutable core. It is owned by the orchestrator and
// mutated only between phase boundaries; analyzers receive immutable
// snapshots, never the state itself.
type State struct {
	URL           string
	Tier          Tier
	Iteration     int
	MaxIterations int
	MaxPages      int
	Status        Status

	PendingURLs  []string
	Investigated map[string]bool

	ScoutResults  map[string]*analyzer.ScoutResult
	SecurityFound []analyzer.Finding
	VisionResult  *analyzer.VisionResult
	GraphResult   *analyzer.GraphResult
	JudgeDecision *analyzer.JudgeDecision

	SiteType           string
	SiteTypeConfidence float64
	Complexity         float64

	Errors        []ErrorRecord
	ScoutFailures int // consecutive
	ScoutSuccess  bool
	NIMCallsUsed  int

	StartTime     time.Time
	ForceVerdict  bool
	ExecutionMode ExecutionMode
}

func newState(url string, tier Tier, mode ExecutionMode) *State {
	b := BudgetFor(tier)
	return &State{
		URL:           url,
		Tier:          tier,
		MaxIterations: b.MaxIterations,
		MaxPages:      b.MaxPages,
		Status:        StatusRunning,
		PendingURLs:   []string{url},
		Investigated:  make(map[string]bool),
		ScoutResults:  make(map[string]*analyzer.ScoutResult),
		StartTime:     time.Now(),
		ExecutionMode: mode,
	}
}

// Elapsed is wall-clock time since the audit started.
func (s *State) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

// Deadline is the absolute wall-clock budget boundary.
func (s *State) Deadline() time.Time {
	return s.StartTime.Add(BudgetFor(s.Tier).Deadline)
}

// NextURL pops the next pending URL, skipping anything already visited.
func (s *State) NextURL() (string, bool) {
	for len(s.PendingURLs) > 0 {
		url := s.PendingURLs[0]
		s.PendingURLs = s.PendingURLs[1:]
		if !s.Investigated[url] {
			return url, true
		}
	}
	return "", false
}

// MarkInvestigated records a visit. Investigated URLs never re-enter the
// pending queue.
func (s *State) MarkInvestigated(url string) {
	s.Investigated[url] = true
}

// EnqueueURLs appends discovered URLs, dropping duplicates and anything
// already investigated.
func (s *State) EnqueueURLs(urls []string) {
	pending := make(map[string]bool, len(s.PendingURLs))
	for _, u := range s.PendingURLs {
		pending[u] = true
	}
	for _, u := range urls {
		if u == "" || s.Investigated[u] || pending[u] {
			continue
		}
		pending[u] = true
		s.PendingURLs = append(s.PendingURLs, u)
	}
}

// RecordError appends to the error log.
func (s *State) RecordError(phase string, kind auditerrors.Kind, message string) {
	s.Errors = append(s.Errors, ErrorRecord{
		Phase:   phase,
		Kind:    kind,
		Message: message,
		Time:    time.Now(),
	})
}

// finish moves the state to a terminal status. Once terminal, the status
// never changes again.
func (s *State) finish(status Status) {
	if s.Status != StatusRunning {
		return
	}
	s.Status = status
}

// Terminal reports whether the audit has reached a final status.
func (s *State) Terminal() bool {
	return s.Status != StatusRunning
}
