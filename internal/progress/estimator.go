package progress

import (
	"sync"
	"time"
)

// etaAlpha is the EMA smoothing factor for agent runtimes.
const etaAlpha = 0.2

// defaultAgentDurations seed the estimate when no history exists for a
// (site_type, agent) pair.
var defaultAgentDurations = map[string]time.Duration{
	"scout":    20 * time.Second,
	"vision":   30 * time.Second,
	"graph":    10 * time.Second,
	"judge":    10 * time.Second,
	"osint":    25 * time.Second,
	"security": 30 * time.Second,
}

const fallbackAgentDuration = 20 * time.Second

// Estimator tracks per-(site_type, agent) execution-time averages and
// derives the remaining time for the current audit.
type Estimator struct {
	mu        sync.Mutex
	ema       map[string]time.Duration
	completed map[string]bool
	agents    []string
	siteType  string
}

// NewEstimator creates an estimator over the agents the session will run.
func NewEstimator(agents []string) *Estimator {
	return &Estimator{
		ema:       make(map[string]time.Duration),
		completed: make(map[string]bool),
		agents:    append([]string(nil), agents...),
	}
}

// SetSiteType switches the history namespace once the site type is known.
func (e *Estimator) SetSiteType(siteType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.siteType = siteType
}

func (e *Estimator) key(agent string) string {
	site := e.siteType
	if site == "" {
		site = "unknown"
	}
	return site + "/" + agent
}

// expected returns the EMA for an agent, or the default when absent.
func (e *Estimator) expected(agent string) time.Duration {
	if d, ok := e.ema[e.key(agent)]; ok {
		return d
	}
	if d, ok := defaultAgentDurations[agent]; ok {
		return d
	}
	return fallbackAgentDuration
}

// Remaining sums expected durations over agents that have not completed in
// the current iteration.
func (e *Estimator) Remaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total time.Duration
	for _, agent := range e.agents {
		if e.completed[agent] {
			continue
		}
		total += e.expected(agent)
	}
	return total
}

// AgentCompleted folds the observed duration into the EMA and marks the
// agent done for ETA purposes.
func (e *Estimator) AgentCompleted(agent string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := e.key(agent)
	if prev, ok := e.ema[key]; ok {
		e.ema[key] = time.Duration(etaAlpha*float64(d) + (1-etaAlpha)*float64(prev))
	} else {
		e.ema[key] = d
	}
	e.completed[agent] = true
}

// ResetIteration clears completion marks so a new iteration estimates the
// full pipeline again. Learned EMAs are kept.
func (e *Estimator) ResetIteration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = make(map[string]bool)
}
