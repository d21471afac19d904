package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/circuit"
)

// stubAnalyzer is a scriptable analyzer for supervisor tests.
type stubAnalyzer struct {
	kind    analyzer.Kind
	timeout time.Duration
	calls   int32
	execute func(ctx context.Context, input analyzer.Input) (*analyzer.Result, error)
}

func (s *stubAnalyzer) Kind() analyzer.Kind           { return s.kind }
func (s *stubAnalyzer) DefaultTimeout() time.Duration { return s.timeout }

func (s *stubAnalyzer) Execute(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.execute(ctx, input)
}

func (s *stubAnalyzer) callCount() int {
	return int(atomic.LoadInt32(&s.calls))
}

func newTestSupervisor(t *testing.T, stubs ...*stubAnalyzer) (*Supervisor, *analyzer.Registry) {
	t.Helper()
	registry := analyzer.NewRegistry()
	for _, s := range stubs {
		registry.Register(s)
	}
	cfg := DefaultConfig()
	cfg.TierMinimum = 10 * time.Millisecond
	return New(registry, cfg), registry
}

func TestSupervisor_Success(t *testing.T) {
	stub := &stubAnalyzer{
		kind:    analyzer.KindVision,
		timeout: time.Second,
		execute: func(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
			return &analyzer.Result{
				Kind:   analyzer.KindVision,
				Vision: &analyzer.VisionResult{Summary: "looks fine"},
			}, nil
		},
	}
	sup, _ := newTestSupervisor(t, stub)

	out := sup.Execute(context.Background(), Request{Kind: analyzer.KindVision, Timeout: time.Second})

	if out.IsDegraded() {
		t.Fatalf("Expected primary result, got degraded %+v", out.Degraded)
	}
	if out.Final().Vision.Summary != "looks fine" {
		t.Errorf("Expected vision summary to round-trip, got %q", out.Final().Vision.Summary)
	}
	if out.Penalty() != 0 {
		t.Errorf("Expected zero penalty on success, got %f", out.Penalty())
	}
}

func TestSupervisor_FailureDegradesToPlaceholder(t *testing.T) {
	stub := &stubAnalyzer{
		kind:    analyzer.KindGraph,
		timeout: time.Second,
		execute: func(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
			return nil, errors.New("upstream unavailable")
		},
	}
	sup, _ := newTestSupervisor(t, stub)

	out := sup.Execute(context.Background(), Request{Kind: analyzer.KindGraph, Timeout: time.Second})

	if !out.IsDegraded() {
		t.Fatal("Expected degraded outcome on analyzer failure")
	}
	if out.Degraded.Mode != analyzer.FallbackNone {
		t.Errorf("Expected NONE fallback without a producer, got %s", out.Degraded.Mode)
	}
	if out.Penalty() != analyzer.PenaltyNone {
		t.Errorf("Expected penalty %f, got %f", analyzer.PenaltyNone, out.Penalty())
	}
	if out.Final() == nil || out.Final().Graph == nil {
		t.Error("Expected placeholder result to be well-formed")
	}
}

func TestSupervisor_FallbackProducerUsed(t *testing.T) {
	stub := &stubAnalyzer{
		kind:    analyzer.KindVision,
		timeout: time.Second,
		execute: func(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
			return nil, errors.New("boom")
		},
	}
	sup, registry := newTestSupervisor(t, stub)
	registry.RegisterFallback(analyzer.KindVision, analyzer.FailureException,
		func(ctx context.Context, input analyzer.Input) (*analyzer.DegradedResult, error) {
			return &analyzer.DegradedResult{
				Result: &analyzer.Result{Kind: analyzer.KindVision, Vision: &analyzer.VisionResult{Summary: "cached"}},
				Mode:   analyzer.FallbackCached,
			}, nil
		})

	out := sup.Execute(context.Background(), Request{Kind: analyzer.KindVision, Timeout: time.Second})

	if !out.IsDegraded() {
		t.Fatal("Expected degraded outcome")
	}
	if out.Degraded.Mode != analyzer.FallbackCached {
		t.Errorf("Expected CACHED fallback, got %s", out.Degraded.Mode)
	}
	if out.Penalty() != analyzer.PenaltyFallback {
		t.Errorf("Expected successful-fallback penalty %f, got %f", analyzer.PenaltyFallback, out.Penalty())
	}
	if out.Final().Vision.Summary != "cached" {
		t.Errorf("Expected cached summary, got %q", out.Final().Vision.Summary)
	}
}

func TestSupervisor_MissingPayloadDegrades(t *testing.T) {
	stub := &stubAnalyzer{
		kind:    analyzer.KindScout,
		timeout: time.Second,
		execute: func(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
			// Claims success but carries no scout payload.
			return &analyzer.Result{Kind: analyzer.KindScout}, nil
		},
	}
	sup, _ := newTestSupervisor(t, stub)

	out := sup.Execute(context.Background(), Request{Kind: analyzer.KindScout, Timeout: time.Second})

	if !out.IsDegraded() {
		t.Fatal("Expected payload-less result to degrade, not pass through")
	}
	if out.Final() == nil || out.Final().Scout == nil {
		t.Error("Expected placeholder result to carry a scout payload")
	}
	// A shape violation is a contract breach: permanent, so the breaker
	// opens on the first occurrence.
	status := sup.BreakerStatus()[string(analyzer.KindScout)]
	if status.State != "open" {
		t.Errorf("Expected breaker open after contract violation, got %s", status.State)
	}
	if stub.callCount() != 1 {
		t.Errorf("Expected a single invocation, got %d", stub.callCount())
	}
}

func TestSupervisor_TimeoutWithinBound(t *testing.T) {
	// Analyzer ignores cancellation entirely; the supervisor must still
	// return within timeout plus small overhead.
	stub := &stubAnalyzer{
		kind:    analyzer.KindScout,
		timeout: time.Second,
		execute: func(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
			time.Sleep(500 * time.Millisecond)
			return &analyzer.Result{Kind: analyzer.KindScout, Scout: &analyzer.ScoutResult{}}, nil
		},
	}
	sup, _ := newTestSupervisor(t, stub)

	start := time.Now()
	out := sup.Execute(context.Background(), Request{Kind: analyzer.KindScout, Timeout: 30 * time.Millisecond})
	elapsed := time.Since(start)

	if !out.TimedOut {
		t.Fatal("Expected outcome to be marked timed out")
	}
	if !out.IsDegraded() {
		t.Fatal("Expected degraded outcome after timeout")
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("Expected return within timeout plus overhead, took %s", elapsed)
	}
}

func TestSupervisor_BreakerRejectsWithoutInvoking(t *testing.T) {
	stub := &stubAnalyzer{
		kind:    analyzer.KindVision,
		timeout: time.Second,
		execute: func(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
			return nil, errors.New("vision crashed")
		},
	}
	registry := analyzer.NewRegistry()
	registry.Register(stub)
	cfg := DefaultConfig()
	cfg.TierMinimum = 10 * time.Millisecond
	cfg.Breaker = circuit.Config{FailureThreshold: 3, OpenDuration: time.Minute}
	sup := New(registry, cfg)

	for i := 0; i < 3; i++ {
		out := sup.Execute(context.Background(), Request{Kind: analyzer.KindVision, Timeout: time.Second})
		if !out.IsDegraded() {
			t.Fatalf("Expected degraded outcome on failure %d", i+1)
		}
	}
	if stub.callCount() != 3 {
		t.Fatalf("Expected 3 analyzer invocations, got %d", stub.callCount())
	}

	out := sup.Execute(context.Background(), Request{Kind: analyzer.KindVision, Timeout: time.Second})
	if !out.BreakerRejected {
		t.Error("Expected fourth call to be rejected by the open breaker")
	}
	if stub.callCount() != 3 {
		t.Errorf("Expected analyzer not to be invoked while breaker is open, got %d calls", stub.callCount())
	}

	degraded := sup.DegradedAgents()
	if len(degraded) != 1 || degraded[0] != string(analyzer.KindVision) {
		t.Errorf("Expected degraded agents [vision], got %v", degraded)
	}
}

func TestSupervisor_CallerCancellation(t *testing.T) {
	stub := &stubAnalyzer{
		kind:    analyzer.KindOSINT,
		timeout: time.Second,
		execute: func(ctx context.Context, input analyzer.Input) (*analyzer.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	sup, _ := newTestSupervisor(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out := sup.Execute(ctx, Request{Kind: analyzer.KindOSINT, Timeout: 5 * time.Second})

	if !out.Cancelled {
		t.Fatal("Expected outcome to be marked cancelled")
	}
	if out.Degraded == nil || out.Degraded.Mode != analyzer.FallbackPartial {
		t.Errorf("Expected PARTIAL fallback on cancellation, got %+v", out.Degraded)
	}
	if out.Penalty() != analyzer.PenaltyTimeout {
		t.Errorf("Expected penalty %f on cancellation, got %f", analyzer.PenaltyTimeout, out.Penalty())
	}
	// Cancellation is not debited: breaker stays closed.
	status := sup.BreakerStatus()[string(analyzer.KindOSINT)]
	if status.TotalFailures != 0 {
		t.Errorf("Expected no breaker debit on cancellation, got %d failures", status.TotalFailures)
	}
}

func TestSupervisor_AdaptiveTimeoutUsesHistory(t *testing.T) {
	stub := &stubAnalyzer{kind: analyzer.KindJudge, timeout: 100 * time.Millisecond}
	sup, _ := newTestSupervisor(t, stub)

	// Seed history far above the default so drift exceeds 20%.
	for i := 0; i < 5; i++ {
		sup.History().Record("shop", string(analyzer.KindJudge), 400*time.Millisecond)
	}

	got := sup.timeoutFor(Request{Kind: analyzer.KindJudge, SiteType: "shop"}, stub)
	// Strategy table gives judge 10s at zero complexity; history (400ms) drifts
	// more than 20% from it, so the adaptive value 400ms*1.2 applies.
	if got != 480*time.Millisecond {
		t.Errorf("Expected adaptive timeout 480ms, got %s", got)
	}
}

func TestSupervisor_ExplicitTimeoutWins(t *testing.T) {
	stub := &stubAnalyzer{kind: analyzer.KindJudge, timeout: time.Second}
	sup, _ := newTestSupervisor(t, stub)

	got := sup.timeoutFor(Request{Kind: analyzer.KindJudge, Timeout: 7 * time.Millisecond}, stub)
	if got != 7*time.Millisecond {
		t.Errorf("Expected explicit timeout to be applied as given, got %s", got)
	}
}
