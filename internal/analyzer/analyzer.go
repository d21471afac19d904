// Package analyzer defines the contract every audit analyzer plugs into:
// typed inputs and results, severity and fallback vocabularies, and the
// fallback registry the supervisor consults when a primary call fails.
package analyzer

import (
	"context"
	"time"
)

// Kind identifies an analyzer role in the audit pipeline.
type Kind string

const (
	KindScout    Kind = "scout"
	KindSecurity Kind = "security"
	KindVision   Kind = "vision"
	KindGraph    Kind = "graph"
	KindJudge    Kind = "judge"
	KindOSINT    Kind = "osint"
)

// SourceAgent attributes a finding to the subsystem that produced it.
type SourceAgent string

const (
	SourceVision   SourceAgent = "vision"
	SourceOSINT    SourceAgent = "osint"
	SourceSecurity SourceAgent = "security"
)

// Severity levels, ordered from most to least severe.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns a sortable weight for the severity (higher is more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Threat reports whether the severity describes an actual problem rather
// than an informational "looks safe" observation.
func (s Severity) Threat() bool {
	return s.Rank() > 0
}

// Finding is a single observation from an analyzer. Findings are immutable
// once emitted.
type Finding struct {
	ID          string      `json:"id"`
	Category    string      `json:"category"`
	PatternType string      `json:"pattern_type"`
	Severity    Severity    `json:"severity"`
	Confidence  float64     `json:"confidence"` // 0..1
	Evidence    string      `json:"evidence,omitempty"`
	Locus       string      `json:"locus,omitempty"` // URL or region the finding is anchored to
	SourceAgent SourceAgent `json:"source_agent"`
	CWEID       string      `json:"cwe_id,omitempty"`
	CVSSScore   float64     `json:"cvss_score,omitempty"` // 0..10
}

// Input is the immutable snapshot an analyzer receives. Analyzers never see
// partially merged state from a sibling phase.
type Input struct {
	URL            string        `json:"url"`
	SiteType       string        `json:"site_type,omitempty"`
	Scout          *ScoutResult  `json:"scout,omitempty"`
	Vision         *VisionResult `json:"vision,omitempty"`
	Graph          *GraphResult  `json:"graph,omitempty"`
	EnabledModules []string      `json:"enabled_modules,omitempty"`
	ForceVerdict   bool          `json:"force_verdict,omitempty"`
	Iteration      int           `json:"iteration"`
	SecurityCount  int           `json:"security_count,omitempty"`
}

// ScoutResult is the browser reconnaissance output for one page.
type ScoutResult struct {
	URL                string   `json:"url"`
	FinalURL           string   `json:"final_url,omitempty"`
	Title              string   `json:"title,omitempty"`
	SiteType           string   `json:"site_type,omitempty"`
	SiteTypeConfidence float64  `json:"site_type_confidence,omitempty"`
	DOMNodes           int      `json:"dom_nodes"`
	ScriptCount        int      `json:"script_count"`
	LazyLoadIndicators int      `json:"lazy_load_indicators"`
	IFrameCount        int      `json:"iframe_count"`
	LoadTimeMs         int      `json:"load_time_ms"`
	DiscoveredURLs     []string `json:"discovered_urls,omitempty"`
	ScreenshotPath     string   `json:"screenshot_path,omitempty"`
}

// VisionResult is the VLM / visual analysis output.
type VisionResult struct {
	Findings []Finding `json:"findings,omitempty"`
	Summary  string    `json:"summary,omitempty"`
	NIMCalls int       `json:"nim_calls"`
}

// GraphResult is the entity / OSINT investigation output.
type GraphResult struct {
	Findings    []Finding `json:"findings,omitempty"`
	Entities    []string  `json:"entities,omitempty"`
	DomainAgeD  int       `json:"domain_age_days,omitempty"`
	RegistrarOK bool      `json:"registrar_ok"`
}

// JudgeAction is the routing decision a Judge call returns.
type JudgeAction string

const (
	ActionRenderVerdict   JudgeAction = "render_verdict"
	ActionRequestMoreInfo JudgeAction = "request_more_investigation"
)

// JudgeDecision is the verdict-synthesis output for one iteration.
type JudgeDecision struct {
	Action          JudgeAction        `json:"action"`
	TrustScore      float64            `json:"trust_score"` // 0..100
	RiskLevel       string             `json:"risk_level,omitempty"`
	SignalBreakdown map[string]float64 `json:"signal_breakdown,omitempty"`
	PendingURLs     []string           `json:"pending_urls,omitempty"`
	Rationale       string             `json:"rationale,omitempty"`
	TechnicalNotes  string             `json:"technical_notes,omitempty"`
	PlainSummary    string             `json:"plain_summary,omitempty"`
	Forced          bool               `json:"forced,omitempty"`
}

// Result is the envelope an analyzer returns. Exactly the fields for the
// analyzer's kind are populated; Findings carries whatever the analyzer
// wants fed into consensus.
type Result struct {
	Kind     Kind               `json:"kind"`
	Findings []Finding          `json:"findings,omitempty"`
	Scout    *ScoutResult       `json:"scout,omitempty"`
	Vision   *VisionResult      `json:"vision,omitempty"`
	Graph    *GraphResult       `json:"graph,omitempty"`
	Judge    *JudgeDecision     `json:"judge,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// Analyzer is the capability every phase collaborator implements. Execute
// must honor ctx cancellation within a bounded delay.
type Analyzer interface {
	Kind() Kind
	DefaultTimeout() time.Duration
	Execute(ctx context.Context, input Input) (*Result, error)
}

// FallbackMode describes how a degraded result was produced.
type FallbackMode string

const (
	// FallbackNone is the minimal placeholder: empty findings, well-formed shape.
	FallbackNone        FallbackMode = "none"
	FallbackSimplified  FallbackMode = "simplified"
	FallbackCached      FallbackMode = "cached"
	FallbackPartial     FallbackMode = "partial"
	FallbackAlternative FallbackMode = "alternative"
)

// Quality penalties attached to degraded results.
const (
	PenaltyFallback = 0.2
	PenaltyTimeout  = 0.5
	PenaltyNone     = 0.7
)

// DegradedResult is a well-formed but lower-quality result produced when the
// primary analyzer path fails. Result is never nil.
type DegradedResult struct {
	Result         *Result      `json:"result"`
	Mode           FallbackMode `json:"fallback_mode"`
	MissingData    []string     `json:"missing_data,omitempty"`
	QualityPenalty float64      `json:"quality_penalty"`
}

// FailureMode keys fallback producers in the registry.
type FailureMode string

const (
	FailureTimeout     FailureMode = "timeout"
	FailureBreakerOpen FailureMode = "breaker_open"
	FailureException   FailureMode = "exception"
)

// FallbackProducer takes the same inputs as the primary and returns a
// degraded result. Producers must not return a nil Result.
type FallbackProducer func(ctx context.Context, input Input) (*DegradedResult, error)

// Placeholder builds the FallbackNone degraded result for a kind: empty
// findings but a shape the orchestrator can merge without special-casing.
func Placeholder(kind Kind) *DegradedResult {
	res := &Result{Kind: kind}
	switch kind {
	case KindScout:
		res.Scout = &ScoutResult{}
	case KindVision:
		res.Vision = &VisionResult{}
	case KindGraph, KindOSINT:
		res.Graph = &GraphResult{}
	case KindJudge:
		res.Judge = &JudgeDecision{Action: ActionRenderVerdict, RiskLevel: "unknown"}
	}
	return &DegradedResult{
		Result:         res,
		Mode:           FallbackNone,
		MissingData:    []string{string(kind)},
		QualityPenalty: PenaltyNone,
	}
}
