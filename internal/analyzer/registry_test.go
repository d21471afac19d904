package analyzer

import (
	"context"
	"testing"
	"time"
)

type fakeAnalyzer struct {
	kind Kind
}

func (f *fakeAnalyzer) Kind() Kind                    { return f.kind }
func (f *fakeAnalyzer) DefaultTimeout() time.Duration { return time.Second }
func (f *fakeAnalyzer) Execute(ctx context.Context, input Input) (*Result, error) {
	return &Result{Kind: f.kind}, nil
}

func TestRegistry_GetAndReplace(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get(KindScout); err == nil {
		t.Fatal("Expected error for unregistered kind")
	}

	first := &fakeAnalyzer{kind: KindScout}
	second := &fakeAnalyzer{kind: KindScout}
	r.Register(first)
	r.Register(second)

	got, err := r.Get(KindScout)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != Analyzer(second) {
		t.Error("Expected later registration to replace the earlier one")
	}
}

func TestRegistry_Fallbacks(t *testing.T) {
	r := NewRegistry()

	if p := r.Fallback(KindVision, FailureTimeout); p != nil {
		t.Fatal("Expected nil producer before registration")
	}

	r.RegisterFallback(KindVision, FailureTimeout, func(ctx context.Context, input Input) (*DegradedResult, error) {
		return &DegradedResult{Result: &Result{Kind: KindVision}, Mode: FallbackCached, QualityPenalty: PenaltyFallback}, nil
	})

	p := r.Fallback(KindVision, FailureTimeout)
	if p == nil {
		t.Fatal("Expected registered producer")
	}
	dr, err := p(context.Background(), Input{})
	if err != nil {
		t.Fatalf("Producer failed: %v", err)
	}
	if dr.Mode != FallbackCached || dr.QualityPenalty != PenaltyFallback {
		t.Errorf("Unexpected degraded result %+v", dr)
	}

	// Other failure modes stay unbound.
	if p := r.Fallback(KindVision, FailureException); p != nil {
		t.Error("Expected nil producer for unbound failure mode")
	}
}

func TestPlaceholder_ShapePerKind(t *testing.T) {
	tests := []struct {
		kind  Kind
		check func(*Result) bool
	}{
		{KindScout, func(r *Result) bool { return r.Scout != nil }},
		{KindVision, func(r *Result) bool { return r.Vision != nil }},
		{KindGraph, func(r *Result) bool { return r.Graph != nil }},
		{KindOSINT, func(r *Result) bool { return r.Graph != nil }},
		{KindJudge, func(r *Result) bool {
			return r.Judge != nil && r.Judge.Action == ActionRenderVerdict && r.Judge.RiskLevel == "unknown"
		}},
	}
	for _, tt := range tests {
		dr := Placeholder(tt.kind)
		if dr.Result == nil {
			t.Fatalf("Placeholder(%s) returned nil result", tt.kind)
		}
		if !tt.check(dr.Result) {
			t.Errorf("Placeholder(%s) missing its typed payload", tt.kind)
		}
		if dr.Mode != FallbackNone {
			t.Errorf("Placeholder(%s) mode = %s, want none", tt.kind, dr.Mode)
		}
		if dr.QualityPenalty != PenaltyNone {
			t.Errorf("Placeholder(%s) penalty = %f, want %f", tt.kind, dr.QualityPenalty, PenaltyNone)
		}
	}
}

func TestSeverity_RankAndThreat(t *testing.T) {
	order := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("Expected %s to outrank %s", order[i], order[i-1])
		}
	}
	if SeverityInfo.Threat() {
		t.Error("info must not count as a threat")
	}
	if !SeverityLow.Threat() {
		t.Error("low must count as a threat")
	}
}
