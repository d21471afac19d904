package progress

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/metrics"
	"golang.org/x/time/rate"
)

// Config controls emitter pacing and buffering.
type Config struct {
	// MaxRate is the token refill rate in events per second.
	MaxRate float64
	// Burst is the token bucket capacity.
	Burst int
	// QueueSize bounds the pending-event queue. CRITICAL events may exceed it.
	QueueSize int
	// BatchSize is how many findings accumulate before a findings_batch event.
	BatchSize int
	// HeartbeatAfter is the idle period after which a heartbeat (or a
	// registered highlight) keeps the stream lively.
	HeartbeatAfter time.Duration
	// CloseGrace bounds how long Close spends draining the queue.
	CloseGrace time.Duration
}

// DefaultConfig returns the emitter defaults.
func DefaultConfig() Config {
	return Config{
		MaxRate:        5,
		Burst:          10,
		QueueSize:      256,
		BatchSize:      5,
		HeartbeatAfter: 7 * time.Second,
		CloseGrace:     5 * time.Second,
	}
}

// Emitter is the rate-limited progress stream for one audit session. All
// deliveries to the sink happen on a single dispatcher goroutine.
type Emitter struct {
	sink      Sink
	limiter   *rate.Limiter
	cfg       Config
	estimator *Estimator

	mu           sync.Mutex
	queue        []Event
	findings     []analyzer.Finding
	highlights   []string
	phase        string
	closed       bool
	dropped      [4]int64
	lastDelivery time.Time
	agentStart   map[string]time.Time

	wake    chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}

	// runCtx is cancelled by Close to interrupt an in-flight token wait.
	runCtx    context.Context
	runCancel context.CancelFunc

	closeOnce sync.Once
}

// NewEmitter creates and starts an emitter over the sink.
func NewEmitter(sink Sink, cfg Config, estimator *Estimator) *Emitter {
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.HeartbeatAfter <= 0 {
		cfg.HeartbeatAfter = 7 * time.Second
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 5 * time.Second
	}
	if estimator == nil {
		estimator = NewEstimator(nil)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	e := &Emitter{
		sink:         sink,
		limiter:      rate.NewLimiter(rate.Limit(cfg.MaxRate), cfg.Burst),
		cfg:          cfg,
		estimator:    estimator,
		agentStart:   make(map[string]time.Time),
		lastDelivery: time.Now(),
		wake:         make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
		runCtx:       runCtx,
		runCancel:    runCancel,
	}
	go e.run()
	return e
}

// Estimator returns the completion-time estimator.
func (e *Emitter) Estimator() *Estimator {
	return e.estimator
}

// SetPhase records the currently running phase for heartbeat context.
func (e *Emitter) SetPhase(phase string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phase = phase
}

// RegisterHighlight queues an interesting highlight to be surfaced instead
// of a plain heartbeat when the stream goes idle.
func (e *Emitter) RegisterHighlight(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.highlights = append(e.highlights, text)
}

// Emit queues one event. After Close it is a no-op.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.enqueueLocked(e.stamp(ev))
	e.mu.Unlock()
	e.signal()
}

// stamp fills in identity fields.
func (e *Emitter) stamp(ev Event) Event {
	now := time.Now()
	if ev.ID == "" {
		ev.ID = newEventID(now)
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = now.UnixMilli()
	}
	return ev
}

// EmitPhaseStart announces a phase beginning.
func (e *Emitter) EmitPhaseStart(phase string) {
	e.SetPhase(phase)
	e.Emit(Event{Type: EventPhaseStart, Priority: defaultPriority(EventPhaseStart), Phase: phase})
}

// EmitPhaseComplete announces a phase ending. The idle heartbeat only runs
// inside a phase, so the current phase is cleared here.
func (e *Emitter) EmitPhaseComplete(phase string) {
	e.Emit(Event{Type: EventPhaseComplete, Priority: defaultPriority(EventPhaseComplete), Phase: phase})
	e.SetPhase("")
}

// EmitPhaseError reports a phase-level error to consumers.
func (e *Emitter) EmitPhaseError(phase, message string) {
	e.Emit(Event{
		Type:     EventPhaseError,
		Priority: defaultPriority(EventPhaseError),
		Phase:    phase,
		Payload:  map[string]string{"message": message},
	})
}

// EmitAgentStatus publishes an agent state change with the current ETA.
// state is "started", "completed", or "error".
func (e *Emitter) EmitAgentStatus(agent, state string) {
	now := time.Now()
	switch state {
	case "started":
		e.mu.Lock()
		e.agentStart[agent] = now
		e.mu.Unlock()
	case "completed", "error":
		e.mu.Lock()
		started, ok := e.agentStart[agent]
		delete(e.agentStart, agent)
		e.mu.Unlock()
		if ok {
			e.estimator.AgentCompleted(agent, now.Sub(started))
		}
	}

	e.Emit(Event{
		Type:       EventAgentStatus,
		Priority:   defaultPriority(EventAgentStatus),
		Payload:    map[string]string{"agent": agent, "state": state},
		ETASeconds: e.estimator.Remaining().Seconds(),
	})
}

// EmitFinding buffers a finding; a findings_batch event is emitted once the
// buffer reaches the batch size.
func (e *Emitter) EmitFinding(f analyzer.Finding) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.findings = append(e.findings, f)
	flush := len(e.findings) >= e.cfg.BatchSize
	var batch []analyzer.Finding
	if flush {
		batch = e.findings
		e.findings = nil
	}
	e.mu.Unlock()

	if flush {
		e.emitBatch(batch)
	}
}

// Flush emits any buffered findings as a batch.
func (e *Emitter) Flush() {
	e.mu.Lock()
	batch := e.findings
	e.findings = nil
	e.mu.Unlock()
	if len(batch) > 0 {
		e.emitBatch(batch)
	}
}

func (e *Emitter) emitBatch(batch []analyzer.Finding) {
	e.Emit(Event{
		Type:     EventFindingsBatch,
		Priority: defaultPriority(EventFindingsBatch),
		Payload:  map[string]any{"findings": batch, "count": len(batch)},
	})
}

// EmitScreenshot compresses the screenshot at path to a 200x150 JPEG
// thumbnail and emits it with a reference to the original.
func (e *Emitter) EmitScreenshot(path, phase string) {
	thumb, err := ThumbnailFile(path)
	if err != nil {
		log.Warn().Str("path", path).Err(err).Msg("Screenshot thumbnail failed")
		return
	}
	e.Emit(Event{
		Type:     EventScreenshot,
		Priority: defaultPriority(EventScreenshot),
		Phase:    phase,
		Payload: map[string]string{
			"ref":       path,
			"thumbnail": base64.StdEncoding.EncodeToString(thumb),
		},
	})
}

// EmitHeartbeat emits an explicit heartbeat.
func (e *Emitter) EmitHeartbeat() {
	e.Emit(Event{Type: EventHeartbeat, Priority: defaultPriority(EventHeartbeat)})
}

// EmitHighlight emits an interesting highlight immediately.
func (e *Emitter) EmitHighlight(text string) {
	e.Emit(Event{
		Type:     EventHighlight,
		Priority: defaultPriority(EventHighlight),
		Payload:  map[string]string{"text": text},
	})
}

// EmitStats publishes a stats_update payload.
func (e *Emitter) EmitStats(payload any) {
	e.Emit(Event{Type: EventStatsUpdate, Priority: defaultPriority(EventStatsUpdate), Payload: payload})
}

// EmitAuditResult publishes the final audit result payload.
func (e *Emitter) EmitAuditResult(payload any) {
	e.Emit(Event{Type: EventAuditResult, Priority: defaultPriority(EventAuditResult), Payload: payload})
}

// Dropped returns the total number of events dropped under queue pressure.
func (e *Emitter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total int64
	for _, n := range e.dropped {
		total += n
	}
	return total
}

// Close drains buffered findings and queued events within the grace period,
// emits audit_complete, and closes the sink. Further emits are no-ops.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		batch := e.findings
		e.findings = nil
		if len(batch) > 0 {
			e.enqueueLocked(e.stamp(Event{
				Type:     EventFindingsBatch,
				Priority: defaultPriority(EventFindingsBatch),
				Payload:  map[string]any{"findings": batch, "count": len(batch)},
			}))
		}
		e.mu.Unlock()
		e.runCancel()
		close(e.closeCh)
	})
	<-e.doneCh
	return nil
}

// enqueueLocked appends an event to the dispatch queue. Dispatch is strictly
// FIFO so the wire order matches emission order; priority matters only for
// eviction when the queue is full: the oldest event of the least important
// pending priority is dropped, or the incoming event when nothing pending
// outranks it. CRITICAL events always fit.
func (e *Emitter) enqueueLocked(ev Event) {
	if len(e.queue) >= e.cfg.QueueSize && ev.Priority != PriorityCritical {
		victim := -1
		worst := ev.Priority
		for i, pending := range e.queue {
			if pending.Priority > worst {
				worst = pending.Priority
				victim = i
			}
		}
		if victim < 0 {
			// Everything pending outranks the incoming event; drop it.
			e.dropped[ev.Priority]++
			metrics.EventsDropped.WithLabelValues(ev.Priority.String()).Inc()
			return
		}
		e.dropped[worst]++
		metrics.EventsDropped.WithLabelValues(worst.String()).Inc()
		e.queue = append(e.queue[:victim], e.queue[victim+1:]...)
	}
	e.queue = append(e.queue, ev)
}

func (e *Emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter) requeueFront(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append([]Event{ev}, e.queue...)
}

func (e *Emitter) pop() (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return Event{}, false
	}
	ev := e.queue[0]
	e.queue = e.queue[1:]
	return ev, true
}

// run is the dispatcher loop: pop in arrival order, pace by token bucket,
// deliver, and keep the stream lively while a phase is running.
func (e *Emitter) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if ev, ok := e.pop(); ok {
			if err := e.deliver(e.runCtx, ev); err != nil && e.runCtx.Err() != nil {
				// Close interrupted the token wait; put the event back and
				// move straight to the drain, which retries under the
				// grace period.
				e.requeueFront(ev)
				<-e.closeCh
				e.drainAndClose()
				return
			}
			continue
		}

		select {
		case <-e.wake:
		case <-ticker.C:
			e.maybeHeartbeat()
		case <-e.closeCh:
			e.drainAndClose()
			return
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, ev Event) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := e.sink.Write(ev); err != nil {
		log.Warn().Str("type", string(ev.Type)).Err(err).Msg("Progress sink write failed")
		return err
	}
	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	e.mu.Lock()
	e.lastDelivery = time.Now()
	e.mu.Unlock()
	return nil
}

// maybeHeartbeat emits a heartbeat (or a registered highlight) when the
// stream has gone idle inside a running phase.
func (e *Emitter) maybeHeartbeat() {
	e.mu.Lock()
	idle := time.Since(e.lastDelivery)
	phase := e.phase
	if e.closed || phase == "" || idle < e.cfg.HeartbeatAfter {
		e.mu.Unlock()
		return
	}
	var highlight string
	if len(e.highlights) > 0 {
		highlight = e.highlights[0]
		e.highlights = e.highlights[1:]
	}
	var ev Event
	if highlight != "" {
		ev = e.stamp(Event{
			Type:     EventHighlight,
			Priority: defaultPriority(EventHighlight),
			Phase:    phase,
			Payload:  map[string]string{"text": highlight},
		})
	} else {
		ev = e.stamp(Event{Type: EventHeartbeat, Priority: defaultPriority(EventHeartbeat), Phase: phase})
	}
	e.enqueueLocked(ev)
	e.mu.Unlock()
	e.signal()
}

// drainAndClose delivers what it can within the grace period, then always
// emits audit_complete and closes the sink.
func (e *Emitter) drainAndClose() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CloseGrace)
	defer cancel()

	for {
		ev, ok := e.pop()
		if !ok {
			break
		}
		if err := e.deliver(ctx, ev); err != nil {
			// Grace expired: surviving events count as dropped.
			e.mu.Lock()
			e.dropped[ev.Priority]++
			for _, pending := range e.queue {
				e.dropped[pending.Priority]++
			}
			e.queue = nil
			e.mu.Unlock()
			break
		}
	}

	final := e.stamp(Event{Type: EventAuditComplete, Priority: PriorityCritical})
	if err := e.sink.Write(final); err != nil {
		log.Warn().Err(err).Msg("Failed to write audit_complete")
	} else {
		metrics.EventsEmitted.WithLabelValues(string(EventAuditComplete)).Inc()
	}
	if err := e.sink.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close progress sink")
	}
}
