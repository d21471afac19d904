// Package security schedules the security-module battery in three tiers
// (FAST, MEDIUM, DEEP) with per-tier deadlines, per-module breakers, and a
// skip-ahead rule that sheds the DEEP tier under audit-deadline pressure.
package security

import (
	"context"
	"time"

	"github.com/truststack/webaudit/internal/analyzer"
)

// Tier groups modules by cost and controls their deadlines.
type Tier string

const (
	TierFast   Tier = "FAST"
	TierMedium Tier = "MEDIUM"
	TierDeep   Tier = "DEEP"
)

// tierOrder is the execution order.
var tierOrder = []Tier{TierFast, TierMedium, TierDeep}

// Per-tier deadlines and per-module default timeouts.
var tierDeadlines = map[Tier]time.Duration{
	TierFast:   10 * time.Second,
	TierMedium: 30 * time.Second,
	TierDeep:   60 * time.Second,
}

var tierModuleTimeouts = map[Tier]time.Duration{
	TierFast:   5 * time.Second,
	TierMedium: 15 * time.Second,
	TierDeep:   30 * time.Second,
}

// ModuleSpec describes one registered security module.
type ModuleSpec struct {
	Name     string        `json:"name"`
	Tier     Tier          `json:"tier"`
	Timeout  time.Duration `json:"timeout"`
	Category string        `json:"category"`
}

// Module is one security check. Run must honor ctx cancellation.
type Module interface {
	Spec() ModuleSpec
	Run(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error)
}

// FuncModule adapts a bare function into a Module.
type FuncModule struct {
	ModuleSpec ModuleSpec
	Fn         func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error)
}

func (m *FuncModule) Spec() ModuleSpec { return m.ModuleSpec }

func (m *FuncModule) Run(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
	return m.Fn(ctx, url, scout)
}

// Mapper assigns a CWE identifier and CVSS score to a finding. Injected so
// the catalog can evolve without touching the scheduler.
type Mapper interface {
	Map(category string, severity analyzer.Severity) (cweID string, cvss float64)
}

// StaticMapper maps by category with a severity-scaled CVSS baseline.
type StaticMapper struct {
	CWEByCategory map[string]string
}

var severityCVSS = map[analyzer.Severity]float64{
	analyzer.SeverityCritical: 9.5,
	analyzer.SeverityHigh:     7.5,
	analyzer.SeverityMedium:   5.0,
	analyzer.SeverityLow:      3.0,
	analyzer.SeverityInfo:     0.0,
}

func (m *StaticMapper) Map(category string, severity analyzer.Severity) (string, float64) {
	return m.CWEByCategory[category], severityCVSS[severity]
}

// DefaultMapper covers the default catalog's categories.
func DefaultMapper() *StaticMapper {
	return &StaticMapper{CWEByCategory: map[string]string{
		"headers":         "CWE-693",
		"cookies":         "CWE-1004",
		"tls":             "CWE-319",
		"csp":             "CWE-1021",
		"mixed_content":   "CWE-311",
		"forms":           "CWE-352",
		"redirects":       "CWE-601",
		"cors":            "CWE-942",
		"injection":       "CWE-89",
		"xss":             "CWE-79",
		"auth":            "CWE-287",
		"exposure":        "CWE-200",
		"compliance":      "CWE-710",
		"deserialization": "CWE-502",
	}}
}

// DefaultCatalog returns the default module specs. DEEP membership is
// configuration data; deployments extend or trim this list.
func DefaultCatalog() []ModuleSpec {
	fast := []ModuleSpec{
		{Name: "security_headers", Tier: TierFast, Category: "headers"},
		{Name: "cookie_flags", Tier: TierFast, Category: "cookies"},
		{Name: "tls_basic", Tier: TierFast, Category: "tls"},
		{Name: "csp_presence", Tier: TierFast, Category: "csp"},
	}
	medium := []ModuleSpec{
		{Name: "mixed_content", Tier: TierMedium, Category: "mixed_content"},
		{Name: "form_security", Tier: TierMedium, Category: "forms"},
		{Name: "open_redirects", Tier: TierMedium, Category: "redirects"},
		{Name: "cors_policy", Tier: TierMedium, Category: "cors"},
	}
	deep := []ModuleSpec{
		{Name: "sql_injection_probe", Tier: TierDeep, Category: "injection"},
		{Name: "xss_probe", Tier: TierDeep, Category: "xss"},
		{Name: "auth_weakness", Tier: TierDeep, Category: "auth"},
		{Name: "sensitive_exposure", Tier: TierDeep, Category: "exposure"},
		{Name: "tls_deep", Tier: TierDeep, Category: "tls"},
		{Name: "gdpr_consent", Tier: TierDeep, Category: "compliance"},
		{Name: "pci_surface", Tier: TierDeep, Category: "compliance"},
	}

	out := make([]ModuleSpec, 0, len(fast)+len(medium)+len(deep))
	for _, group := range [][]ModuleSpec{fast, medium, deep} {
		for _, spec := range group {
			if spec.Timeout <= 0 {
				spec.Timeout = tierModuleTimeouts[spec.Tier]
			}
			out = append(out, spec)
		}
	}
	return out
}
