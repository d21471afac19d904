package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/auditerrors"
	"github.com/truststack/webaudit/internal/consensus"
	"github.com/truststack/webaudit/internal/metrics"
	"github.com/truststack/webaudit/internal/progress"
	"github.com/truststack/webaudit/internal/security"
	"github.com/truststack/webaudit/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

// pipelineAgents drives the ETA estimator; phase order matters for nothing
// but readability.
var pipelineAgents = []string{"scout", "security", "vision", "graph", "judge"}

// Config is the audit-session configuration surface.
type Config struct {
	ExecutionMode        ExecutionMode
	UseAdaptiveTimeout   bool
	UseCircuitBreaker    bool
	UseProgressStreaming bool
	UseDualVerdict       bool

	TimeoutOverrides    map[analyzer.Kind]time.Duration
	MinConsensusSources int
	EnabledModules      []string

	Emitter progress.Config
	Mapper  security.Mapper
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		ExecutionMode:        ModeParallelTier,
		UseAdaptiveTimeout:   true,
		UseCircuitBreaker:    true,
		UseProgressStreaming: true,
		MinConsensusSources:  2,
		Emitter:              progress.DefaultConfig(),
	}
}

// Orchestrator drives the audit state machine: a plain loop over phase
// boundaries with an explicit routing function, no hidden reentrancy.
type Orchestrator struct {
	registry  *analyzer.Registry
	config    Config
	sup       *supervisor.Supervisor
	scheduler *security.Scheduler
	sink      progress.Sink
}

// New creates an orchestrator over the analyzer registry. sink receives
// progress events; nil disables streaming.
func New(registry *analyzer.Registry, sink progress.Sink, config Config) *Orchestrator {
	if config.MinConsensusSources <= 0 {
		config.MinConsensusSources = 2
	}
	if sink == nil {
		sink = progress.NopSink()
	}
	// The sink outlives any single audit; per-session emitters must not
	// close it.
	sink = progress.KeepOpen(sink)
	sup := supervisor.New(registry, supervisor.Config{
		UseAdaptiveTimeout: config.UseAdaptiveTimeout,
		UseCircuitBreaker:  config.UseCircuitBreaker,
		TimeoutOverrides:   config.TimeoutOverrides,
		Breaker:            supervisor.DefaultConfig().Breaker,
		TierMinimum:        supervisor.DefaultConfig().TierMinimum,
	})
	return &Orchestrator{
		registry:  registry,
		config:    config,
		sup:       sup,
		scheduler: security.NewScheduler(sup, config.Mapper),
		sink:      sink,
	}
}

// Scheduler exposes the security scheduler for module registration.
func (o *Orchestrator) Scheduler() *security.Scheduler {
	return o.scheduler
}

// Supervisor exposes breaker and degradation status for reporting.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor {
	return o.sup
}

// Audit runs one full audit of url under the tier's budgets. It always
// returns a populated result; the error is non-nil only for caller
// cancellation, invalid input, or an internal invariant violation.
func (o *Orchestrator) Audit(ctx context.Context, url string, tier Tier) (*AuditResult, error) {
	if url == "" {
		return nil, auditerrors.Permanent("driver", fmt.Errorf("empty audit URL: %w", auditerrors.ErrInvalidInput))
	}

	st := newState(url, tier, o.config.ExecutionMode)
	metrics.AuditsStarted.WithLabelValues(string(tier)).Inc()
	log.Info().Str("url", url).Str("tier", string(tier)).Msg("Audit started")

	sink := o.sink
	if !o.config.UseProgressStreaming {
		sink = progress.NopSink()
	}
	em := progress.NewEmitter(sink, o.config.Emitter, progress.NewEstimator(pipelineAgents))
	defer em.Close()

	eng := consensus.NewEngine(o.config.MinConsensusSources)
	multiplier := 1.0

	var auditErr error

loop:
	for {
		if err := ctx.Err(); err != nil {
			st.finish(StatusAborted)
			st.RecordError("driver", auditerrors.KindCancelled, err.Error())
			auditErr = auditerrors.Cancelled("driver")
			break
		}
		if st.Iteration > 0 && budgetExhausted(st) {
			st.ForceVerdict = true
			break
		}
		target, ok := st.NextURL()
		if !ok {
			st.ForceVerdict = true
			break
		}
		st.Iteration++
		em.Estimator().ResetIteration()

		scout := o.runScout(ctx, st, em, target, &multiplier)
		if routeAfterScout(st) == routeAbort {
			st.finish(StatusError)
			st.RecordError("scout", auditerrors.KindAnalyzerPermanent,
				"target unreachable after repeated scout failures")
			em.EmitPhaseError("scout", "target unreachable, aborting audit")
			break
		}

		if o.deadlineHit(st) {
			break
		}
		if err := o.runSecurityAndVision(ctx, st, em, eng, target, scout, &multiplier); err != nil {
			st.finish(StatusError)
			auditErr = err
			break
		}

		if o.deadlineHit(st) {
			break
		}
		if err := o.runGraph(ctx, st, em, eng, target, &multiplier); err != nil {
			st.finish(StatusError)
			auditErr = err
			break
		}

		if o.deadlineHit(st) {
			break
		}
		decision := o.runJudge(ctx, st, em, target, false, &multiplier)

		switch routeAfterJudge(st, decision) {
		case routeEnd:
			st.finish(StatusCompleted)
			break loop
		case routeScout:
			continue
		default:
			st.ForceVerdict = true
			break loop
		}
	}

	// Forced-verdict path: one more Judge call with the flag set.
	if st.ForceVerdict && !st.Terminal() {
		o.runJudge(ctx, st, em, st.URL, true, &multiplier)
		st.finish(StatusCompleted)
	}
	if !st.Terminal() {
		st.finish(StatusError)
	}

	result := o.buildResult(st, eng, em, multiplier)
	em.EmitAuditResult(result)
	em.Flush()

	metrics.AuditsCompleted.WithLabelValues(string(st.Status)).Inc()
	metrics.AuditDurationSeconds.WithLabelValues(string(tier)).Observe(st.Elapsed().Seconds())
	log.Info().
		Str("url", url).
		Str("status", string(st.Status)).
		Float64("trust_score", result.TrustScore).
		Int("iterations", st.Iteration).
		Msg("Audit finished")

	return result, auditErr
}

// deadlineHit converts a mid-iteration wall-clock overrun into the
// forced-verdict path.
func (o *Orchestrator) deadlineHit(st *State) bool {
	if st.Elapsed() >= BudgetFor(st.Tier).Deadline {
		st.ForceVerdict = true
		return true
	}
	return false
}

func (o *Orchestrator) runScout(ctx context.Context, st *State, em *progress.Emitter, url string, multiplier *float64) *analyzer.ScoutResult {
	em.EmitPhaseStart("scout")
	em.EmitAgentStatus("scout", "started")
	start := time.Now()

	out := o.sup.Execute(ctx, supervisor.Request{
		Kind:       analyzer.KindScout,
		Input:      analyzer.Input{URL: url, SiteType: st.SiteType, Iteration: st.Iteration},
		Complexity: st.Complexity,
		SiteType:   st.SiteType,
	})
	metrics.PhaseDurationSeconds.WithLabelValues("scout").Observe(time.Since(start).Seconds())

	st.MarkInvestigated(url)
	*multiplier = applyPenalty(*multiplier, out.Penalty())

	scout := out.Final().Scout
	if out.IsDegraded() {
		st.ScoutFailures++
		st.RecordError("scout", auditerrors.KindAnalyzerTransient, "scout degraded for "+url)
		em.EmitPhaseError("scout", "scout degraded for "+url)
		em.EmitAgentStatus("scout", "error")
	} else {
		st.ScoutFailures = 0
		st.ScoutSuccess = true
		st.ScoutResults[url] = scout
		if st.SiteType == "" && scout.SiteType != "" {
			st.SiteType = scout.SiteType
			st.SiteTypeConfidence = scout.SiteTypeConfidence
			em.Estimator().SetSiteType(scout.SiteType)
		}
		st.Complexity = supervisor.ComplexityScore(scout)
		st.EnqueueURLs(scout.DiscoveredURLs)
		if scout.ScreenshotPath != "" {
			em.EmitScreenshot(scout.ScreenshotPath, "scout")
		}
		em.EmitAgentStatus("scout", "completed")
	}
	em.EmitPhaseComplete("scout")
	return scout
}

// runSecurityAndVision executes the SECURITY and VISION phases, in parallel
// under parallel-tier mode. Results are merged into state and consensus only
// after both subtasks return, so neither observes partially merged state.
func (o *Orchestrator) runSecurityAndVision(ctx context.Context, st *State, em *progress.Emitter, eng *consensus.Engine, url string, scout *analyzer.ScoutResult, multiplier *float64) error {
	em.EmitPhaseStart("security")
	em.EmitAgentStatus("security", "started")
	em.EmitAgentStatus("vision", "started")
	start := time.Now()

	var (
		report    *security.Report
		visionOut supervisor.Outcome
	)

	runSec := func() error {
		var err error
		report, err = o.scheduler.RunSecurity(ctx, url, scout, o.config.EnabledModules, st.Deadline())
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Security battery returned early")
		}
		return nil
	}
	runVision := func() error {
		visionOut = o.sup.Execute(ctx, supervisor.Request{
			Kind:       analyzer.KindVision,
			Input:      analyzer.Input{URL: url, SiteType: st.SiteType, Scout: scout, Iteration: st.Iteration},
			Complexity: st.Complexity,
			SiteType:   st.SiteType,
		})
		return nil
	}

	if st.ExecutionMode == ModeParallelTier {
		g, _ := errgroup.WithContext(ctx)
		g.Go(runSec)
		g.Go(runVision)
		_ = g.Wait()
	} else {
		_ = runSec()
		_ = runVision()
	}
	metrics.PhaseDurationSeconds.WithLabelValues("security_vision").Observe(time.Since(start).Seconds())

	// Merge at the phase boundary.
	if report != nil {
		*multiplier = applyPenalty(*multiplier, report.Penalty)
		st.SecurityFound = append(st.SecurityFound, report.Findings...)
		for name, mode := range report.Degraded {
			st.RecordError("security", auditerrors.KindAnalyzerTransient,
				name+" degraded ("+string(mode)+")")
		}
		for _, f := range report.Findings {
			if err := o.ingest(eng, em, f); err != nil {
				return err
			}
		}
	}
	em.EmitAgentStatus("security", "completed")

	*multiplier = applyPenalty(*multiplier, visionOut.Penalty())
	vision := visionOut.Final().Vision
	st.VisionResult = vision
	if vision != nil {
		st.NIMCallsUsed += vision.NIMCalls
		for _, f := range vision.Findings {
			f = stampFinding(f, analyzer.SourceVision)
			if err := o.ingest(eng, em, f); err != nil {
				return err
			}
		}
	}
	if visionOut.IsDegraded() {
		st.RecordError("vision", auditerrors.KindAnalyzerTransient,
			"vision degraded ("+string(visionOut.Degraded.Mode)+")")
		em.EmitAgentStatus("vision", "error")
	} else {
		em.EmitAgentStatus("vision", "completed")
	}
	em.EmitPhaseComplete("security")
	return nil
}

func (o *Orchestrator) runGraph(ctx context.Context, st *State, em *progress.Emitter, eng *consensus.Engine, url string, multiplier *float64) error {
	em.EmitPhaseStart("graph")
	em.EmitAgentStatus("graph", "started")
	start := time.Now()

	out := o.sup.Execute(ctx, supervisor.Request{
		Kind: analyzer.KindGraph,
		Input: analyzer.Input{
			URL:       url,
			SiteType:  st.SiteType,
			Scout:     st.ScoutResults[url],
			Vision:    st.VisionResult,
			Iteration: st.Iteration,
		},
		Complexity: st.Complexity,
		SiteType:   st.SiteType,
	})
	metrics.PhaseDurationSeconds.WithLabelValues("graph").Observe(time.Since(start).Seconds())

	*multiplier = applyPenalty(*multiplier, out.Penalty())
	graph := out.Final().Graph
	st.GraphResult = graph
	if graph != nil {
		for _, f := range graph.Findings {
			f = stampFinding(f, analyzer.SourceOSINT)
			if err := o.ingest(eng, em, f); err != nil {
				return err
			}
		}
	}
	if out.IsDegraded() {
		st.RecordError("graph", auditerrors.KindAnalyzerTransient,
			"graph degraded ("+string(out.Degraded.Mode)+")")
		em.EmitAgentStatus("graph", "error")
	} else {
		em.EmitAgentStatus("graph", "completed")
	}
	em.EmitPhaseComplete("graph")
	return nil
}

func (o *Orchestrator) runJudge(ctx context.Context, st *State, em *progress.Emitter, url string, forced bool, multiplier *float64) *analyzer.JudgeDecision {
	em.EmitPhaseStart("judge")
	em.EmitAgentStatus("judge", "started")
	start := time.Now()

	out := o.sup.Execute(ctx, supervisor.Request{
		Kind: analyzer.KindJudge,
		Input: analyzer.Input{
			URL:           url,
			SiteType:      st.SiteType,
			Scout:         st.ScoutResults[url],
			Vision:        st.VisionResult,
			Graph:         st.GraphResult,
			ForceVerdict:  forced,
			Iteration:     st.Iteration,
			SecurityCount: len(st.SecurityFound),
		},
		Complexity: st.Complexity,
		SiteType:   st.SiteType,
	})
	metrics.PhaseDurationSeconds.WithLabelValues("judge").Observe(time.Since(start).Seconds())

	*multiplier = applyPenalty(*multiplier, out.Penalty())
	decision := out.Final().Judge
	if decision != nil {
		if forced {
			decision.Forced = true
		}
		st.JudgeDecision = decision
		if len(decision.PendingURLs) > 0 {
			st.EnqueueURLs(decision.PendingURLs)
		}
	}
	if out.IsDegraded() {
		st.RecordError("judge", auditerrors.KindAnalyzerTransient,
			"judge degraded ("+string(out.Degraded.Mode)+")")
		em.EmitAgentStatus("judge", "error")
	} else {
		em.EmitAgentStatus("judge", "completed")
	}
	em.EmitPhaseComplete("judge")
	return decision
}

// ingest feeds one finding to consensus and the event stream. A consensus
// error is an invariant violation and aborts the audit.
func (o *Orchestrator) ingest(eng *consensus.Engine, em *progress.Emitter, f analyzer.Finding) error {
	if err := eng.Ingest(f); err != nil {
		return auditerrors.Fatal("consensus", err)
	}
	em.EmitFinding(f)
	return nil
}

func (o *Orchestrator) buildResult(st *State, eng *consensus.Engine, em *progress.Emitter, multiplier float64) *AuditResult {
	decision := st.JudgeDecision

	trust := 0.0
	risk := "unknown"
	var breakdown map[string]float64
	forced := false
	if decision != nil && st.Status != StatusError && st.Status != StatusAborted {
		trust = decision.TrustScore * multiplier
		risk = decision.RiskLevel
		if risk == "" || risk == "unknown" {
			risk = riskLevelFor(trust)
		}
		breakdown = decision.SignalBreakdown
		forced = decision.Forced
	}

	result := &AuditResult{
		URL:                 st.URL,
		Tier:                st.Tier,
		Status:              st.Status,
		TrustScore:          trust,
		RiskLevel:           risk,
		ConfidenceTier:      consensus.TierLabel(trust),
		SignalBreakdown:     breakdown,
		Forced:              forced,
		ConfirmedFindings:   eng.GetConfirmed(),
		ConflictedFindings:  eng.GetConflicted(),
		UnconfirmedFindings: eng.GetUnconfirmed(),
		Errors:              st.Errors,
		Metadata: Metadata{
			Iterations:        st.Iteration,
			Pages:             len(st.Investigated),
			ElapsedSeconds:    st.Elapsed().Seconds(),
			DegradedAgents:    o.sup.DegradedAgents(),
			DroppedEvents:     em.Dropped(),
			ExecutionMode:     string(st.ExecutionMode),
			NIMCallsUsed:      st.NIMCallsUsed,
			PenaltyMultiplier: multiplier,
		},
	}
	if o.config.UseDualVerdict {
		result.Technical, result.Plain = buildVerdicts(decision)
	}
	return result
}

// stampFinding assigns attribution and identity before ingestion.
func stampFinding(f analyzer.Finding, agent analyzer.SourceAgent) analyzer.Finding {
	if f.SourceAgent == "" {
		f.SourceAgent = agent
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return f
}
