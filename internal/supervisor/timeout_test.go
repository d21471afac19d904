package supervisor

import (
	"math"
	"testing"
	"time"

	"github.com/truststack/webaudit/internal/analyzer"
)

func TestComplexityScore_NilScout(t *testing.T) {
	if got := ComplexityScore(nil); got != 0 {
		t.Errorf("Expected zero score for nil scout, got %f", got)
	}
}

func TestComplexityScore_Weights(t *testing.T) {
	// Every measurement at its ceiling: full weight from each factor.
	scout := &analyzer.ScoutResult{
		DOMNodes:           3000,
		ScriptCount:        50,
		LazyLoadIndicators: 10,
		IFrameCount:        5,
		LoadTimeMs:         10000,
	}
	if got := ComplexityScore(scout); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Expected score 1.0 at all ceilings, got %f", got)
	}

	// Only DOM nodes at half the ceiling: 0.35 * 0.5.
	scout = &analyzer.ScoutResult{DOMNodes: 1500}
	if got := ComplexityScore(scout); math.Abs(got-0.175) > 1e-9 {
		t.Errorf("Expected score 0.175, got %f", got)
	}
}

func TestStrategyFor_Thresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  Strategy
	}{
		{0.0, StrategyFast},
		{0.29, StrategyFast},
		{0.30, StrategyStandard},
		{0.45, StrategyStandard},
		{0.60, StrategyStandard},
		{0.61, StrategyConservative},
		{1.0, StrategyConservative},
	}
	for _, tt := range tests {
		if got := StrategyFor(tt.score); got != tt.want {
			t.Errorf("StrategyFor(%f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestConfigFor_TablesAndFallback(t *testing.T) {
	if got := ConfigFor(StrategyFast).For(analyzer.KindScout); got != 15*time.Second {
		t.Errorf("Expected fast scout timeout 15s, got %s", got)
	}
	if got := ConfigFor(StrategyConservative).For(analyzer.KindSecurity); got != 90*time.Second {
		t.Errorf("Expected conservative security timeout 90s, got %s", got)
	}
	if got := ConfigFor(Strategy("bogus")).For(analyzer.KindJudge); got != 20*time.Second {
		t.Errorf("Expected standard judge timeout for unknown strategy, got %s", got)
	}
}

func TestHistory_EMA(t *testing.T) {
	h := NewHistory()

	if _, ok := h.Mean("ecommerce", "vision"); ok {
		t.Error("Expected no mean before any recordings")
	}

	h.Record("ecommerce", "vision", 10*time.Second)
	mean, ok := h.Mean("ecommerce", "vision")
	if !ok || mean != 10*time.Second {
		t.Fatalf("Expected first recording to seed the mean at 10s, got %s", mean)
	}

	// EMA with alpha 0.2: 0.2*20 + 0.8*10 = 12s.
	h.Record("ecommerce", "vision", 20*time.Second)
	mean, _ = h.Mean("ecommerce", "vision")
	if mean != 12*time.Second {
		t.Errorf("Expected EMA 12s, got %s", mean)
	}

	// Different site type is a separate series.
	if _, ok := h.Mean("news", "vision"); ok {
		t.Error("Expected site types to be tracked independently")
	}
}
