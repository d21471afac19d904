package supervisor

import (
	"sync"
	"time"
)

// emaAlpha is the smoothing factor for execution-time tracking.
const emaAlpha = 0.2

// History tracks exponential moving averages of analyzer execution time,
// keyed by (site_type, analyzer). Observable through Snapshot, never
// mutable from outside the supervisor.
type History struct {
	mu    sync.RWMutex
	means map[string]time.Duration
	count map[string]int
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{
		means: make(map[string]time.Duration),
		count: make(map[string]int),
	}
}

func historyKey(siteType, name string) string {
	if siteType == "" {
		siteType = "unknown"
	}
	return siteType + "/" + name
}

// Record folds one execution duration into the EMA for (siteType, name).
func (h *History) Record(siteType, name string, d time.Duration) {
	key := historyKey(siteType, name)
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.means[key]
	if !ok {
		h.means[key] = d
	} else {
		h.means[key] = time.Duration(emaAlpha*float64(d) + (1-emaAlpha)*float64(prev))
	}
	h.count[key]++
}

// Mean returns the EMA for (siteType, name) and whether any history exists.
func (h *History) Mean(siteType, name string) (time.Duration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.means[historyKey(siteType, name)]
	return d, ok
}

// Snapshot returns a copy of all tracked means.
func (h *History) Snapshot() map[string]time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]time.Duration, len(h.means))
	for k, v := range h.means {
		out[k] = v
	}
	return out
}
