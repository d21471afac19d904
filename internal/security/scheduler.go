package security

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

// Report is the outcome of one full security battery.
type Report struct {
	Findings []analyzer.Finding
	// Degraded maps module name to the fallback mode its result carried.
	Degraded map[string]analyzer.FallbackMode
	// Skipped lists DEEP modules shed by the skip-ahead rule.
	Skipped []string
	// Penalty is the worst quality penalty across module outcomes.
	Penalty float64
	Elapsed time.Duration
}

// Scheduler runs registered security modules tier by tier through the
// analyzer supervisor, so each module gets its own breaker and timeout.
type Scheduler struct {
	supervisor *supervisor.Supervisor
	mapper     Mapper

	mu      sync.Mutex
	modules []Module
}

// NewScheduler creates a scheduler. A nil mapper falls back to the default.
func NewScheduler(sup *supervisor.Supervisor, mapper Mapper) *Scheduler {
	if mapper == nil {
		mapper = DefaultMapper()
	}
	return &Scheduler{
		supervisor: sup,
		mapper:     mapper,
	}
}

// Register adds a module. Registration order within a tier is preserved but
// execution order within a tier is not defined.
func (s *Scheduler) Register(m Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules = append(s.modules, m)
}

// Modules returns the registered module specs.
func (s *Scheduler) Modules() []ModuleSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs := make([]ModuleSpec, 0, len(s.modules))
	for _, m := range s.modules {
		specs = append(specs, m.Spec())
	}
	return specs
}

// moduleAnalyzer adapts a Module to the analyzer contract so the supervisor
// can wrap it with its own breaker and timeout.
type moduleAnalyzer struct {
	module Module
	url    string
	scout  *analyzer.ScoutResult
}

func (m *moduleAnalyzer) Kind() analyzer.Kind { return analyzer.KindSecurity }

func (m *moduleAnalyzer) DefaultTimeout() time.Duration {
	spec := m.module.Spec()
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return tierModuleTimeouts[spec.Tier]
}

func (m *moduleAnalyzer) Execute(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
	findings, err := m.module.Run(ctx, m.url, m.scout)
	if err != nil {
		return nil, err
	}
	return &analyzer.Result{Kind: analyzer.KindSecurity, Findings: findings}, nil
}

// RunSecurity executes the battery for one page: tiers run in order
// FAST -> MEDIUM -> DEEP, modules within a tier run in parallel, and each
// module is capped at min(module timeout, remaining tier budget) so a
// straggler degrades to a placeholder instead of holding the tier open.
// auditDeadline, when non-zero, enables the DEEP skip-ahead rule.
func (s *Scheduler) RunSecurity(ctx context.Context, url string, scout *analyzer.ScoutResult, enabledModules []string, auditDeadline time.Time) (*Report, error) {
	start := time.Now()
	report := &Report{Degraded: make(map[string]analyzer.FallbackMode)}

	selected := s.selectModules(enabledModules)

	var reportMu sync.Mutex

	for _, tier := range tierOrder {
		modules := selected[tier]
		if len(modules) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if tier == TierDeep && s.shouldSkipDeep(modules, auditDeadline) {
			for _, m := range modules {
				name := m.Spec().Name
				report.Skipped = append(report.Skipped, name)
				report.Degraded[name] = analyzer.FallbackSimplified
			}
			log.Info().
				Int("modules", len(modules)).
				Time("audit_deadline", auditDeadline).
				Msg("Skipping DEEP security tier under deadline pressure")
			continue
		}

		tierStart := time.Now()
		deadline := tierStart.Add(tierDeadlines[tier])

		g, gctx := errgroup.WithContext(ctx)
		for _, m := range modules {
			m := m
			g.Go(func() error {
				spec := m.Spec()
				budget := spec.Timeout
				if budget <= 0 {
					budget = tierModuleTimeouts[spec.Tier]
				}
				if remaining := time.Until(deadline); remaining < budget {
					budget = remaining
				}
				if budget <= 0 {
					budget = time.Millisecond
				}

				out := s.supervisor.Execute(gctx, supervisor.Request{
					Name:     "security:" + spec.Name,
					Kind:     analyzer.KindSecurity,
					Analyzer: &moduleAnalyzer{module: m, url: url, scout: scout},
					Input:    analyzer.Input{URL: url, Scout: scout},
					SiteType: siteType(scout),
					Timeout:  budget,
				})

				reportMu.Lock()
				defer reportMu.Unlock()
				if out.IsDegraded() {
					report.Degraded[spec.Name] = out.Degraded.Mode
					if out.Penalty() > report.Penalty {
						report.Penalty = out.Penalty()
					}
				}
				for _, f := range out.Final().Findings {
					report.Findings = append(report.Findings, s.finalize(f, spec))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}

		log.Debug().
			Str("tier", string(tier)).
			Int("modules", len(modules)).
			Dur("elapsed", time.Since(tierStart)).
			Msg("Security tier complete")
	}

	sortFindings(report.Findings)
	report.Elapsed = time.Since(start)
	return report, nil
}

// selectModules filters the registry by the enabled-module list (empty means
// all) and buckets by tier.
func (s *Scheduler) selectModules(enabled []string) map[Tier][]Module {
	var allow map[string]bool
	if len(enabled) > 0 {
		allow = make(map[string]bool, len(enabled))
		for _, name := range enabled {
			allow[name] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Tier][]Module)
	for _, m := range s.modules {
		spec := m.Spec()
		if allow != nil && !allow[spec.Name] {
			continue
		}
		out[spec.Tier] = append(out[spec.Tier], m)
	}
	return out
}

// shouldSkipDeep estimates the DEEP tier's cost as its longest module
// timeout (modules run in parallel) and skips when that would overrun the
// audit deadline.
func (s *Scheduler) shouldSkipDeep(modules []Module, auditDeadline time.Time) bool {
	if auditDeadline.IsZero() {
		return false
	}
	var cost time.Duration
	for _, m := range modules {
		if t := m.Spec().Timeout; t > cost {
			cost = t
		}
	}
	if cost <= 0 {
		cost = tierModuleTimeouts[TierDeep]
	}
	return time.Now().Add(cost).After(auditDeadline)
}

// finalize stamps identity, attribution, and the CWE/CVSS mapping.
func (s *Scheduler) finalize(f analyzer.Finding, spec ModuleSpec) analyzer.Finding {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Category == "" {
		f.Category = spec.Category
	}
	f.SourceAgent = analyzer.SourceSecurity
	if f.CWEID == "" || f.CVSSScore == 0 {
		cwe, cvss := s.mapper.Map(f.Category, f.Severity)
		if f.CWEID == "" {
			f.CWEID = cwe
		}
		if f.CVSSScore == 0 {
			f.CVSSScore = cvss
		}
	}
	return f
}

// sortFindings orders by severity desc, cvss desc, category asc for
// deterministic output.
func sortFindings(findings []analyzer.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.CVSSScore != b.CVSSScore {
			return a.CVSSScore > b.CVSSScore
		}
		return a.Category < b.Category
	})
}

func siteType(scout *analyzer.ScoutResult) string {
	if scout == nil {
		return ""
	}
	return scout.SiteType
}
