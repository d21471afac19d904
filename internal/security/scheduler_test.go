package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/supervisor"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	cfg := supervisor.DefaultConfig()
	cfg.TierMinimum = time.Millisecond
	sup := supervisor.New(analyzer.NewRegistry(), cfg)
	return NewScheduler(sup, nil)
}

func module(name string, tier Tier, timeout time.Duration, fn func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error)) Module {
	return &FuncModule{
		ModuleSpec: ModuleSpec{Name: name, Tier: tier, Timeout: timeout, Category: "headers"},
		Fn:         fn,
	}
}

func TestRunSecurity_AggregatesAndMaps(t *testing.T) {
	s := newTestScheduler(t)
	s.Register(module("headers", TierFast, time.Second, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		return []analyzer.Finding{
			{PatternType: "missing_hsts", Severity: analyzer.SeverityMedium, Confidence: 0.8},
		}, nil
	}))
	s.Register(module("cookies", TierFast, time.Second, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		return []analyzer.Finding{
			{Category: "cookies", PatternType: "no_httponly", Severity: analyzer.SeverityHigh, Confidence: 0.9},
		}, nil
	}))

	report, err := s.RunSecurity(context.Background(), "https://shop.example", nil, nil, time.Time{})
	if err != nil {
		t.Fatalf("RunSecurity failed: %v", err)
	}

	if len(report.Findings) != 2 {
		t.Fatalf("Expected 2 findings, got %d", len(report.Findings))
	}
	// Sorted severity desc: high first.
	if report.Findings[0].Severity != analyzer.SeverityHigh {
		t.Errorf("Expected high severity first, got %s", report.Findings[0].Severity)
	}
	for _, f := range report.Findings {
		if f.SourceAgent != analyzer.SourceSecurity {
			t.Errorf("Expected security attribution, got %s", f.SourceAgent)
		}
		if f.ID == "" {
			t.Error("Expected finding IDs to be stamped")
		}
		if f.CWEID == "" {
			t.Errorf("Expected CWE mapping for category %q", f.Category)
		}
	}
	// The headers module omitted its category; the spec's category applies.
	if report.Findings[1].Category != "headers" {
		t.Errorf("Expected spec category fallback, got %q", report.Findings[1].Category)
	}
	if report.Findings[1].CWEID != "CWE-693" {
		t.Errorf("Expected CWE-693 for headers, got %q", report.Findings[1].CWEID)
	}
}

func TestRunSecurity_TierOrdering(t *testing.T) {
	s := newTestScheduler(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	s.Register(module("deep_probe", TierDeep, time.Second, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		record("deep_probe")
		return nil, nil
	}))
	s.Register(module("fast_check", TierFast, time.Second, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		record("fast_check")
		return nil, nil
	}))
	s.Register(module("medium_check", TierMedium, time.Second, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		record("medium_check")
		return nil, nil
	}))

	if _, err := s.RunSecurity(context.Background(), "https://a.example", nil, nil, time.Time{}); err != nil {
		t.Fatal(err)
	}

	want := []string{"fast_check", "medium_check", "deep_probe"}
	if len(order) != 3 {
		t.Fatalf("Expected 3 module runs, got %d", len(order))
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("Expected tier order %v, got %v", want, order)
			break
		}
	}
}

func TestRunSecurity_StragglerDegrades(t *testing.T) {
	s := newTestScheduler(t)
	s.Register(module("slow", TierFast, 20*time.Millisecond, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []analyzer.Finding{{PatternType: "late", Severity: analyzer.SeverityLow}}, nil
	}))
	s.Register(module("quick", TierFast, time.Second, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		return []analyzer.Finding{{PatternType: "ok", Severity: analyzer.SeverityInfo}}, nil
	}))

	report, err := s.RunSecurity(context.Background(), "https://b.example", nil, nil, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	if mode, ok := report.Degraded["slow"]; !ok || mode != analyzer.FallbackNone {
		t.Errorf("Expected slow module to record NONE degradation, got %v", report.Degraded)
	}
	if len(report.Findings) != 1 || report.Findings[0].PatternType != "ok" {
		t.Errorf("Expected only the quick module's finding, got %+v", report.Findings)
	}
	if report.Penalty == 0 {
		t.Error("Expected a quality penalty from the degraded module")
	}
}

func TestRunSecurity_SpecWithoutTimeoutGetsTierDefault(t *testing.T) {
	s := newTestScheduler(t)
	s.Register(module("no_timeout", TierFast, 0, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []analyzer.Finding{{PatternType: "settled", Severity: analyzer.SeverityLow}}, nil
	}))

	report, err := s.RunSecurity(context.Background(), "https://e.example", nil, nil, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Degraded) != 0 {
		t.Errorf("Expected module without an explicit timeout to run under the tier default, got %v", report.Degraded)
	}
	if len(report.Findings) != 1 || report.Findings[0].PatternType != "settled" {
		t.Errorf("Expected the module's finding, got %+v", report.Findings)
	}
}

func TestRunSecurity_DeepSkipAheadUnderPressure(t *testing.T) {
	s := newTestScheduler(t)

	deepRan := false
	s.Register(module("deep_scan", TierDeep, 30*time.Second, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
		deepRan = true
		return nil, nil
	}))

	// Audit deadline closer than the DEEP tier's cost.
	report, err := s.RunSecurity(context.Background(), "https://c.example", nil, nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}

	if deepRan {
		t.Error("Expected DEEP module to be skipped under deadline pressure")
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "deep_scan" {
		t.Errorf("Expected deep_scan in skipped list, got %v", report.Skipped)
	}
	if report.Degraded["deep_scan"] != analyzer.FallbackSimplified {
		t.Errorf("Expected SIMPLIFIED record for skipped module, got %s", report.Degraded["deep_scan"])
	}
}

func TestRunSecurity_EnabledModuleFilter(t *testing.T) {
	s := newTestScheduler(t)

	ran := map[string]bool{}
	var mu sync.Mutex
	mk := func(name string) Module {
		return module(name, TierFast, time.Second, func(ctx context.Context, url string, scout *analyzer.ScoutResult) ([]analyzer.Finding, error) {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return nil, nil
		})
	}
	s.Register(mk("wanted"))
	s.Register(mk("unwanted"))

	if _, err := s.RunSecurity(context.Background(), "https://d.example", nil, []string{"wanted"}, time.Time{}); err != nil {
		t.Fatal(err)
	}

	if !ran["wanted"] || ran["unwanted"] {
		t.Errorf("Expected only the enabled module to run, got %v", ran)
	}
}

func TestDefaultCatalog_TimeoutsFilled(t *testing.T) {
	for _, spec := range DefaultCatalog() {
		if spec.Timeout <= 0 {
			t.Errorf("Expected default timeout for module %q", spec.Name)
		}
		if spec.Tier != TierFast && spec.Tier != TierMedium && spec.Tier != TierDeep {
			t.Errorf("Module %q has unknown tier %q", spec.Name, spec.Tier)
		}
	}
}
