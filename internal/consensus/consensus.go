// Package consensus aggregates findings from multiple analyzers into keyed
// results, detects cross-agent conflicts, and computes explainable
// confidence scores. The engine owns its result map exclusively; updates
// are serialized per engine and Snapshot returns point-in-time copies.
package consensus

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/metrics"
)

// Status is the verification state of one consensus result.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusUnconfirmed Status = "UNCONFIRMED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusConflicted  Status = "CONFLICTED"
)

// allowedTransitions is the finding-status state machine. CONFLICTED is
// terminal; anything not listed here is a programming error.
var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusUnconfirmed},
	StatusUnconfirmed: {StatusConfirmed, StatusConflicted},
	StatusConfirmed:   {StatusConflicted},
}

func transitionAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Result is the aggregate view of all findings sharing one normalized key.
type Result struct {
	Key                  string             `json:"finding_key"`
	Sources              []analyzer.Finding `json:"sources"`
	Dissent              []analyzer.Finding `json:"dissent,omitempty"`
	Status               Status             `json:"status"`
	AggregatedConfidence float64            `json:"aggregated_confidence"` // 0..100
	Breakdown            map[string]float64 `json:"confidence_breakdown"`
	ConflictNotes        []string           `json:"conflict_notes,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// clone returns a deep-enough copy for external consumption.
func (r *Result) clone() Result {
	out := *r
	out.Sources = append([]analyzer.Finding(nil), r.Sources...)
	out.Dissent = append([]analyzer.Finding(nil), r.Dissent...)
	out.ConflictNotes = append([]string(nil), r.ConflictNotes...)
	out.Breakdown = make(map[string]float64, len(r.Breakdown))
	for k, v := range r.Breakdown {
		out.Breakdown[k] = v
	}
	return out
}

// Confidence factor weights.
const (
	weightAgreement = 60.0
	weightSeverity  = 25.0
	weightContext   = 15.0
)

// Engine is the consensus and confidence engine for one audit session.
type Engine struct {
	mu         sync.RWMutex
	results    map[string]*Result
	minSources int
}

// NewEngine creates an engine. minSources below 2 is raised to 2.
func NewEngine(minSources int) *Engine {
	if minSources < 2 {
		minSources = 2
	}
	return &Engine{
		results:    make(map[string]*Result),
		minSources: minSources,
	}
}

// Key normalizes a finding into its consensus key. Two equivalent findings
// from different analyzers must collide here: the locus is lowercased with
// query, fragment, and trailing slashes stripped.
func Key(f analyzer.Finding) string {
	return fmt.Sprintf("%s|%s|%s", strings.ToLower(f.Category), strings.ToLower(f.PatternType), normalizeLocus(f.Locus))
}

func normalizeLocus(locus string) string {
	locus = strings.ToLower(strings.TrimSpace(locus))
	if locus == "" {
		return ""
	}
	if u, err := url.Parse(locus); err == nil && u.Host != "" {
		return u.Host + strings.TrimSuffix(u.Path, "/")
	}
	return strings.TrimSuffix(locus, "/")
}

// Ingest folds one finding into the consensus map. The only error it can
// return is an illegal status transition, which indicates a bug.
func (e *Engine) Ingest(f analyzer.Finding) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics.FindingsIngested.WithLabelValues(string(f.SourceAgent)).Inc()

	key := Key(f)
	r, ok := e.results[key]
	if !ok {
		r = &Result{
			Key:    key,
			Status: StatusPending,
		}
		e.results[key] = r
	}

	// Conflicted is terminal: later findings only add to the record.
	if r.Status == StatusConflicted {
		r.Dissent = append(r.Dissent, f)
		r.UpdatedAt = time.Now()
		return nil
	}

	// Threat-vs-safe disagreement for the same key conflicts the result.
	if disagrees(r.Sources, f) {
		if err := e.setStatus(r, StatusConflicted); err != nil {
			return err
		}
		r.Dissent = append(r.Dissent, f)
		r.ConflictNotes = append(r.ConflictNotes, conflictNote(r.Sources, f))
		r.UpdatedAt = time.Now()
		metrics.ConsensusConflicts.Inc()
		log.Debug().
			Str("key", key).
			Str("agent", string(f.SourceAgent)).
			Msg("Consensus conflict detected")
		return nil
	}

	r.Sources = append(r.Sources, f)

	n := distinctAgents(r.Sources)
	next := StatusUnconfirmed
	if n >= e.minSources {
		next = StatusConfirmed
	}
	if err := e.setStatus(r, next); err != nil {
		return err
	}

	e.score(r, n)
	r.UpdatedAt = time.Now()
	return nil
}

func (e *Engine) setStatus(r *Result, to Status) error {
	// PENDING results pass through UNCONFIRMED before confirming.
	if r.Status == StatusPending && to == StatusConfirmed {
		r.Status = StatusUnconfirmed
	}
	if !transitionAllowed(r.Status, to) {
		return fmt.Errorf("illegal consensus transition %s -> %s for key %s", r.Status, to, r.Key)
	}
	if r.Status != to {
		r.Status = to
	}
	return nil
}

// disagrees reports whether f contradicts the existing sources: a threat
// finding against a safe (info) observation of the same key, or vice-versa.
func disagrees(sources []analyzer.Finding, f analyzer.Finding) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if s.Severity.Threat() != f.Severity.Threat() {
			return true
		}
	}
	return false
}

func conflictNote(sources []analyzer.Finding, f analyzer.Finding) string {
	agents := make([]string, 0, len(sources)+1)
	seen := make(map[string]bool)
	for _, s := range sources {
		a := string(s.SourceAgent)
		if !seen[a] {
			seen[a] = true
			agents = append(agents, fmt.Sprintf("%s=%s", a, s.Severity))
		}
	}
	agents = append(agents, fmt.Sprintf("%s=%s", f.SourceAgent, f.Severity))
	return "disagreement between " + strings.Join(agents, ", ")
}

func distinctAgents(sources []analyzer.Finding) int {
	seen := make(map[analyzer.SourceAgent]bool)
	for _, s := range sources {
		seen[s.SourceAgent] = true
	}
	return len(seen)
}

var severityFactors = map[analyzer.Severity]float64{
	analyzer.SeverityCritical: 1.0,
	analyzer.SeverityHigh:     0.8,
	analyzer.SeverityMedium:   0.6,
	analyzer.SeverityLow:      0.4,
	analyzer.SeverityInfo:     0.2,
}

// score recomputes aggregated confidence and its breakdown for a result.
// Weights: source agreement 60%, severity factor 25%, context 15%, then the
// hard confidence bands are applied.
func (e *Engine) score(r *Result, n int) {
	agreement := float64(n) / float64(e.minSources)
	if agreement > 1 {
		agreement = 1
	}

	maxSev := analyzer.SeverityInfo
	var ctxSum float64
	for _, s := range r.Sources {
		if s.Severity.Rank() > maxSev.Rank() {
			maxSev = s.Severity
		}
		ctxSum += s.Confidence
	}
	ctxConfidence := 0.0
	if len(r.Sources) > 0 {
		ctxConfidence = ctxSum / float64(len(r.Sources))
	}

	raw := weightAgreement*agreement + weightSeverity*severityFactors[maxSev] + weightContext*ctxConfidence
	score := clampBands(raw, n, maxSev, e.minSources)

	// A confirmed result never scores below 50.
	if r.Status == StatusConfirmed && score < 50 {
		score = 50
	}

	r.AggregatedConfidence = score
	r.Breakdown = map[string]float64{
		"source_agreement":   agreement,
		"severity_factor":    severityFactors[maxSev],
		"context_confidence": ctxConfidence,
		"source_count":       float64(n),
	}
}

// clampBands applies the hard confidence bands.
func clampBands(raw float64, n int, maxSev analyzer.Severity, minSources int) float64 {
	high := maxSev.Rank() >= analyzer.SeverityHigh.Rank()
	medium := maxSev == analyzer.SeverityMedium

	switch {
	case n >= minSources && high:
		return clamp(raw, 75, 100)
	case n >= minSources && medium:
		return clamp(raw, 50, 75)
	case n == 1 && high:
		return clamp(raw, 40, 49)
	case n == 1 && medium:
		return clamp(raw, 20, 49)
	case n < minSources:
		// Anything below quorum stays below the confirmation threshold,
		// however many sources agree.
		return clamp(raw, 0, 49)
	default:
		return clamp(raw, 0, 100)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Snapshot returns a stable copy of all results, sorted by key.
func (e *Engine) Snapshot() []Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Result, 0, len(e.results))
	for _, r := range e.results {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// GetConfirmed returns all results with status CONFIRMED.
func (e *Engine) GetConfirmed() []Result {
	return e.byStatus(StatusConfirmed)
}

// GetConflicted returns all results with status CONFLICTED.
func (e *Engine) GetConflicted() []Result {
	return e.byStatus(StatusConflicted)
}

// GetUnconfirmed returns all results with status UNCONFIRMED.
func (e *Engine) GetUnconfirmed() []Result {
	return e.byStatus(StatusUnconfirmed)
}

func (e *Engine) byStatus(status Status) []Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Result
	for _, r := range e.results {
		if r.Status == status {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// FormatConfidence renders a result's confidence for humans, e.g.
// "82%: 2 sources agree, high severity".
func (e *Engine) FormatConfidence(key string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.results[key]
	if !ok {
		return ""
	}
	maxSev := analyzer.SeverityInfo
	for _, s := range r.Sources {
		if s.Severity.Rank() > maxSev.Rank() {
			maxSev = s.Severity
		}
	}
	n := distinctAgents(r.Sources)
	noun := "sources agree"
	if n == 1 {
		noun = "source"
	}
	return fmt.Sprintf("%.0f%%: %d %s, %s severity", r.AggregatedConfidence, n, noun, maxSev)
}

// TierLabel maps a 0-100 confidence score onto its reporting tier.
func TierLabel(score float64) string {
	switch {
	case score < 20:
		return "low"
	case score < 40:
		return "moderate"
	case score < 60:
		return "suspicious"
	case score < 80:
		return "likely"
	default:
		return "critical"
	}
}
