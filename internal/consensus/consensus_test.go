package consensus

import (
	"strings"
	"testing"

	"github.com/truststack/webaudit/internal/analyzer"
)

func finding(agent analyzer.SourceAgent, severity analyzer.Severity, confidence float64) analyzer.Finding {
	return analyzer.Finding{
		Category:    "forms_insecure",
		PatternType: "password_over_http",
		Locus:       "https://shop.example/checkout",
		Severity:    severity,
		Confidence:  confidence,
		SourceAgent: agent,
	}
}

func TestKey_NormalizesLocus(t *testing.T) {
	a := finding(analyzer.SourceVision, analyzer.SeverityHigh, 0.9)
	b := a
	b.Locus = "HTTPS://shop.example/checkout/?utm=1#frag"
	b.Category = "FORMS_INSECURE"

	if Key(a) != Key(b) {
		t.Errorf("Expected equivalent findings to collide, got %q vs %q", Key(a), Key(b))
	}

	c := a
	c.Locus = "https://shop.example/cart"
	if Key(a) == Key(c) {
		t.Error("Expected distinct loci to produce distinct keys")
	}
}

func TestIngest_SingleSourceStaysUnconfirmed(t *testing.T) {
	e := NewEngine(2)

	if err := e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityHigh, 0.9)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	results := e.Snapshot()
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Status != StatusUnconfirmed {
		t.Errorf("Expected UNCONFIRMED, got %s", r.Status)
	}
	if r.AggregatedConfidence >= 50 {
		t.Errorf("Expected single-source confidence below 50, got %f", r.AggregatedConfidence)
	}
	// Single source, high severity: banded into [40, 49].
	if r.AggregatedConfidence < 40 || r.AggregatedConfidence > 49 {
		t.Errorf("Expected confidence in [40,49], got %f", r.AggregatedConfidence)
	}
}

func TestIngest_TwoAgentsConfirm(t *testing.T) {
	e := NewEngine(2)

	if err := e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityHigh, 0.9)); err != nil {
		t.Fatal(err)
	}
	if err := e.Ingest(finding(analyzer.SourceSecurity, analyzer.SeverityHigh, 0.8)); err != nil {
		t.Fatal(err)
	}

	confirmed := e.GetConfirmed()
	if len(confirmed) != 1 {
		t.Fatalf("Expected 1 confirmed result, got %d", len(confirmed))
	}
	r := confirmed[0]
	if r.AggregatedConfidence < 75 {
		t.Errorf("Expected two-agent high-severity confidence >= 75, got %f", r.AggregatedConfidence)
	}
	if r.AggregatedConfidence < 50 {
		t.Error("CONFIRMED result must never score below 50")
	}
	if got := r.Breakdown["source_count"]; got != 2 {
		t.Errorf("Expected source_count 2 in breakdown, got %f", got)
	}
}

func TestIngest_SameAgentDoesNotConfirm(t *testing.T) {
	e := NewEngine(2)

	e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityMedium, 0.7))
	e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityMedium, 0.9))

	results := e.Snapshot()
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].Status != StatusUnconfirmed {
		t.Errorf("Expected duplicate-agent result to stay UNCONFIRMED, got %s", results[0].Status)
	}
	if results[0].AggregatedConfidence >= 50 {
		t.Errorf("Expected single-agent confidence below 50, got %f", results[0].AggregatedConfidence)
	}
}

func TestIngest_ConflictDetection(t *testing.T) {
	e := NewEngine(2)

	// Security says high threat, vision says the same key looks safe.
	e.Ingest(finding(analyzer.SourceSecurity, analyzer.SeverityHigh, 0.9))
	if err := e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityInfo, 0.8)); err != nil {
		t.Fatalf("Conflict ingestion failed: %v", err)
	}

	conflicted := e.GetConflicted()
	if len(conflicted) != 1 {
		t.Fatalf("Expected 1 conflicted result, got %d", len(conflicted))
	}
	r := conflicted[0]
	if len(r.ConflictNotes) == 0 {
		t.Fatal("Expected conflict notes")
	}
	note := r.ConflictNotes[0]
	if !strings.Contains(note, "security") || !strings.Contains(note, "vision") {
		t.Errorf("Expected conflict note to name both agents, got %q", note)
	}
	if r.AggregatedConfidence >= 75 {
		t.Errorf("Expected conflicted confidence not elevated to confirmed band, got %f", r.AggregatedConfidence)
	}

	// CONFLICTED is terminal: further findings only add dissent.
	if err := e.Ingest(finding(analyzer.SourceOSINT, analyzer.SeverityHigh, 0.9)); err != nil {
		t.Fatalf("Ingest into terminal result failed: %v", err)
	}
	conflicted = e.GetConflicted()
	if conflicted[0].Status != StatusConflicted {
		t.Error("Expected CONFLICTED to be terminal")
	}
	if len(conflicted[0].Dissent) != 2 {
		t.Errorf("Expected 2 dissent entries, got %d", len(conflicted[0].Dissent))
	}
}

func TestIngest_ConfirmedThenConflicted(t *testing.T) {
	e := NewEngine(2)

	e.Ingest(finding(analyzer.SourceSecurity, analyzer.SeverityHigh, 0.9))
	e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityHigh, 0.8))
	if len(e.GetConfirmed()) != 1 {
		t.Fatal("Expected confirmation first")
	}

	e.Ingest(finding(analyzer.SourceOSINT, analyzer.SeverityInfo, 0.9))
	if len(e.GetConflicted()) != 1 {
		t.Error("Expected CONFIRMED -> CONFLICTED transition")
	}
	if len(e.GetConfirmed()) != 0 {
		t.Error("Expected result to leave the confirmed partition")
	}
}

func TestScore_MediumBands(t *testing.T) {
	e := NewEngine(2)

	e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityMedium, 0.5))
	r := e.Snapshot()[0]
	if r.AggregatedConfidence < 20 || r.AggregatedConfidence > 49 {
		t.Errorf("Expected single-source medium in [20,49], got %f", r.AggregatedConfidence)
	}

	e.Ingest(finding(analyzer.SourceSecurity, analyzer.SeverityMedium, 0.5))
	r = e.Snapshot()[0]
	if r.AggregatedConfidence < 50 || r.AggregatedConfidence > 75 {
		t.Errorf("Expected two-source medium in [50,75], got %f", r.AggregatedConfidence)
	}
}

func TestScore_BelowQuorumStaysBelowFifty(t *testing.T) {
	e := NewEngine(3)

	e.Ingest(finding(analyzer.SourceSecurity, analyzer.SeverityHigh, 0.9))
	e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityHigh, 0.9))

	r := e.Snapshot()[0]
	if r.Status != StatusUnconfirmed {
		t.Fatalf("Expected two of three required sources to stay UNCONFIRMED, got %s", r.Status)
	}
	if r.AggregatedConfidence > 49 {
		t.Errorf("Expected below-quorum confidence capped at 49, got %f", r.AggregatedConfidence)
	}

	// A third agent reaches quorum and moves into the confirmed band.
	e.Ingest(finding(analyzer.SourceOSINT, analyzer.SeverityHigh, 0.8))
	confirmed := e.GetConfirmed()
	if len(confirmed) != 1 {
		t.Fatalf("Expected quorum of three to confirm, got %d confirmed", len(confirmed))
	}
	if confirmed[0].AggregatedConfidence < 75 {
		t.Errorf("Expected confirmed high-severity confidence >= 75, got %f", confirmed[0].AggregatedConfidence)
	}
}

func TestFormatConfidence(t *testing.T) {
	e := NewEngine(2)
	f := finding(analyzer.SourceVision, analyzer.SeverityHigh, 0.9)
	e.Ingest(f)
	e.Ingest(finding(analyzer.SourceSecurity, analyzer.SeverityHigh, 0.8))

	got := e.FormatConfidence(Key(f))
	if !strings.Contains(got, "2 sources agree") || !strings.Contains(got, "high severity") {
		t.Errorf("Unexpected confidence format: %q", got)
	}
}

func TestTierLabel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0, "low"},
		{19.9, "low"},
		{20, "moderate"},
		{40, "suspicious"},
		{60, "likely"},
		{80, "critical"},
		{100, "critical"},
	}
	for _, tt := range tests {
		if got := TierLabel(tt.score); got != tt.want {
			t.Errorf("TierLabel(%f) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	e := NewEngine(2)
	e.Ingest(finding(analyzer.SourceVision, analyzer.SeverityHigh, 0.9))

	snap := e.Snapshot()
	snap[0].Sources[0].Severity = analyzer.SeverityInfo
	snap[0].Status = StatusConflicted

	fresh := e.Snapshot()
	if fresh[0].Sources[0].Severity != analyzer.SeverityHigh {
		t.Error("Expected snapshot mutation not to leak into the engine")
	}
	if fresh[0].Status != StatusUnconfirmed {
		t.Error("Expected engine status to be unaffected by snapshot mutation")
	}
}
