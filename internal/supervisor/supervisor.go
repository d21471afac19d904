// Package supervisor wraps every analyzer call with adaptive timeouts,
// per-analyzer circuit breakers, and graceful degradation. The supervisor
// only ever returns a result or a degraded result to its caller; analyzer
// failures never propagate out of it.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/circuit"
	"github.com/truststack/webaudit/internal/metrics"
)

// Historical-vs-default drift beyond which the adaptive timeout applies.
const historyDriftThreshold = 0.20

// Config controls supervisor behavior for one audit session.
type Config struct {
	UseAdaptiveTimeout bool
	UseCircuitBreaker  bool
	// TierMinimum is the floor any computed timeout is clamped to.
	TierMinimum time.Duration
	// TimeoutOverrides replaces the strategy-table timeout per analyzer kind.
	TimeoutOverrides map[analyzer.Kind]time.Duration
	// Breaker configures every per-analyzer breaker.
	Breaker circuit.Config
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		UseAdaptiveTimeout: true,
		UseCircuitBreaker:  true,
		TierMinimum:        5 * time.Second,
		Breaker:            circuit.DefaultConfig(),
	}
}

// Request describes one supervised analyzer call.
type Request struct {
	// Name keys the breaker and EMA entry; defaults to the kind. Security
	// modules pass "security:<module>" so each module gets its own breaker.
	Name       string
	Kind       analyzer.Kind
	Analyzer   analyzer.Analyzer // optional; resolved from the registry when nil
	Input      analyzer.Input
	Complexity float64
	SiteType   string
	// Timeout, when set, is applied exactly as given: no strategy table,
	// no adaptive adjustment, no tier-minimum clamp. Used by the security
	// scheduler to cap modules at the remaining tier budget.
	Timeout time.Duration
}

// Outcome is what Execute returns: either a primary result or a degraded
// one, never both nil.
type Outcome struct {
	Result          *analyzer.Result
	Degraded        *analyzer.DegradedResult
	Duration        time.Duration
	TimedOut        bool
	BreakerRejected bool
	Cancelled       bool
}

// IsDegraded reports whether the outcome came from a fallback path.
func (o Outcome) IsDegraded() bool {
	return o.Degraded != nil
}

// Final returns the usable result regardless of degradation.
func (o Outcome) Final() *analyzer.Result {
	if o.Result != nil {
		return o.Result
	}
	return o.Degraded.Result
}

// Penalty returns the quality penalty attached to the outcome.
func (o Outcome) Penalty() float64 {
	if o.Degraded == nil {
		return 0
	}
	return o.Degraded.QualityPenalty
}

// Supervisor owns the breakers and execution-time history for a session.
type Supervisor struct {
	registry *analyzer.Registry
	config   Config
	history  *History

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
	degraded map[string]analyzer.FallbackMode
}

// New creates a supervisor over the given analyzer registry.
func New(registry *analyzer.Registry, config Config) *Supervisor {
	if config.TierMinimum <= 0 {
		config.TierMinimum = 5 * time.Second
	}
	return &Supervisor{
		registry: registry,
		config:   config,
		history:  NewHistory(),
		breakers: make(map[string]*circuit.Breaker),
		degraded: make(map[string]analyzer.FallbackMode),
	}
}

// History exposes the EMA tracker (read-only use).
func (s *Supervisor) History() *History {
	return s.history
}

// Execute runs one supervised analyzer call. It always returns within the
// computed timeout plus small overhead, regardless of analyzer misbehavior.
func (s *Supervisor) Execute(ctx context.Context, req Request) Outcome {
	name := req.Name
	if name == "" {
		name = string(req.Kind)
	}

	a := req.Analyzer
	if a == nil {
		var err error
		a, err = s.registry.Get(req.Kind)
		if err != nil {
			log.Error().Str("analyzer", name).Err(err).Msg("No analyzer registered")
			return s.degrade(ctx, req, name, analyzer.FailureException)
		}
	}

	timeout := s.timeoutFor(req, a)

	if s.config.UseCircuitBreaker {
		br := s.breakerFor(name)
		if !br.Allow() {
			log.Debug().Str("analyzer", name).Msg("Breaker open, rejecting call")
			out := s.degrade(ctx, req, name, analyzer.FailureBreakerOpen)
			out.BreakerRejected = true
			return out
		}
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		res *analyzer.Result
		err error
	}
	// Buffered so an analyzer that ignores cancellation cannot leak forever
	// blocked on the send; its late result is simply abandoned.
	done := make(chan callResult, 1)
	go func() {
		res, err := a.Execute(callCtx, req.Input)
		done <- callResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		elapsed := time.Since(start)
		if r.err == nil && r.res != nil {
			if shapeErr := shapeError(req.Kind, r.res); shapeErr != nil {
				return s.handleFailure(ctx, req, name, elapsed, shapeErr)
			}
			s.recordSuccess(name, req.SiteType, elapsed)
			return Outcome{Result: r.res, Duration: elapsed}
		}
		if r.err == nil {
			r.err = fmt.Errorf("analyzer %s returned malformed output: nil result", name)
		}
		return s.handleFailure(ctx, req, name, elapsed, r.err)

	case <-callCtx.Done():
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			// Caller cancellation, not our timeout: no breaker debit.
			s.recordBreaker(name, nil, circuit.CategoryCancelled)
			out := Outcome{
				Degraded: &analyzer.DegradedResult{
					Result:         analyzer.Placeholder(req.Kind).Result,
					Mode:           analyzer.FallbackPartial,
					MissingData:    []string{name},
					QualityPenalty: analyzer.PenaltyTimeout,
				},
				Duration:  elapsed,
				Cancelled: true,
			}
			s.markDegraded(name, analyzer.FallbackPartial)
			return out
		}

		log.Warn().
			Str("analyzer", name).
			Dur("timeout", timeout).
			Msg("Analyzer call timed out")
		s.recordBreaker(name, context.DeadlineExceeded, circuit.CategoryTransient)
		s.history.Record(req.SiteType, name, elapsed)
		metrics.AnalyzerTimeouts.WithLabelValues(name).Inc()
		out := s.degrade(ctx, req, name, analyzer.FailureTimeout)
		out.TimedOut = true
		out.Duration = elapsed
		return out
	}
}

// shapeError checks that a result carries the typed payload its kind
// promises. A missing payload is a contract violation and degrades like any
// other analyzer failure instead of reaching the orchestrator.
func shapeError(kind analyzer.Kind, res *analyzer.Result) error {
	var missing bool
	switch kind {
	case analyzer.KindScout:
		missing = res.Scout == nil
	case analyzer.KindVision:
		missing = res.Vision == nil
	case analyzer.KindGraph, analyzer.KindOSINT:
		missing = res.Graph == nil
	case analyzer.KindJudge:
		missing = res.Judge == nil
	}
	if missing {
		return fmt.Errorf("analyzer returned malformed output: missing %s payload", kind)
	}
	return nil
}

func (s *Supervisor) handleFailure(ctx context.Context, req Request, name string, elapsed time.Duration, err error) Outcome {
	category := circuit.CategorizeError(err)
	s.recordBreaker(name, err, category)
	s.history.Record(req.SiteType, name, elapsed)

	log.Warn().
		Str("analyzer", name).
		Err(err).
		Msg("Analyzer call failed, degrading")

	out := s.degrade(ctx, req, name, analyzer.FailureException)
	out.Duration = elapsed
	return out
}

// degrade produces a DegradedResult via the registered fallback producer, or
// the minimal placeholder when no fallback succeeds.
func (s *Supervisor) degrade(ctx context.Context, req Request, name string, failure analyzer.FailureMode) Outcome {
	producer := s.registry.Fallback(req.Kind, failure)
	if producer != nil {
		dr, err := producer(ctx, req.Input)
		if err == nil && dr != nil && dr.Result != nil {
			if dr.QualityPenalty == 0 {
				if failure == analyzer.FailureTimeout && dr.Mode == analyzer.FallbackPartial {
					dr.QualityPenalty = analyzer.PenaltyTimeout
				} else {
					dr.QualityPenalty = analyzer.PenaltyFallback
				}
			}
			s.markDegraded(name, dr.Mode)
			metrics.DegradedResults.WithLabelValues(name, string(dr.Mode)).Inc()
			return Outcome{Degraded: dr}
		}
		if err != nil {
			log.Warn().Str("analyzer", name).Err(err).Msg("Fallback producer failed")
		}
	}

	dr := analyzer.Placeholder(req.Kind)
	s.markDegraded(name, dr.Mode)
	metrics.DegradedResults.WithLabelValues(name, string(dr.Mode)).Inc()
	return Outcome{Degraded: dr}
}

// timeoutFor computes the applied timeout: explicit override, then the
// complexity-selected strategy table, then the EMA-adjusted value when
// history drifts more than 20% from the default.
func (s *Supervisor) timeoutFor(req Request, a analyzer.Analyzer) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	base := a.DefaultTimeout()
	if override, ok := s.config.TimeoutOverrides[req.Kind]; ok && override > 0 {
		base = override
	} else {
		strategy := StrategyFor(req.Complexity)
		if tableTimeout := ConfigFor(strategy).For(req.Kind); tableTimeout > 0 {
			base = tableTimeout
		}
	}
	if base <= 0 {
		base = 30 * time.Second
	}

	name := req.Name
	if name == "" {
		name = string(req.Kind)
	}
	if s.config.UseAdaptiveTimeout {
		if mean, ok := s.history.Mean(req.SiteType, name); ok && mean > 0 {
			drift := float64(mean-base) / float64(base)
			if drift < 0 {
				drift = -drift
			}
			if drift > historyDriftThreshold {
				adjusted := time.Duration(float64(mean) * 1.2)
				if adjusted < s.config.TierMinimum {
					adjusted = s.config.TierMinimum
				}
				base = adjusted
			}
		}
	}

	if base < s.config.TierMinimum {
		base = s.config.TierMinimum
	}
	return base
}

func (s *Supervisor) breakerFor(name string) *circuit.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.breakers[name]
	if !ok {
		br = circuit.NewBreaker(name, s.config.Breaker)
		br.SetOnStateChange(func(from, to circuit.State) {
			if to == circuit.StateOpen {
				metrics.BreakerTrips.WithLabelValues(name).Inc()
			}
		})
		s.breakers[name] = br
	}
	return br
}

func (s *Supervisor) recordSuccess(name, siteType string, elapsed time.Duration) {
	s.history.Record(siteType, name, elapsed)
	if s.config.UseCircuitBreaker {
		s.breakerFor(name).RecordSuccess()
	}
}

func (s *Supervisor) recordBreaker(name string, err error, category circuit.ErrorCategory) {
	if !s.config.UseCircuitBreaker {
		return
	}
	s.breakerFor(name).RecordFailureWithCategory(err, category)
}

func (s *Supervisor) markDegraded(name string, mode analyzer.FallbackMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded[name] = mode
}

// DegradedAgents returns the names of analyzers that produced at least one
// degraded result during the session.
func (s *Supervisor) DegradedAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.degraded))
	for name := range s.degraded {
		names = append(names, name)
	}
	return names
}

// BreakerStatus returns point-in-time status for every breaker.
func (s *Supervisor) BreakerStatus() map[string]circuit.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]circuit.Status, len(s.breakers))
	for name, br := range s.breakers {
		out[name] = br.GetStatus()
	}
	return out
}
