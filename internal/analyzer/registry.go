package analyzer

import (
	"fmt"
	"sync"
)

// Registry holds the analyzers for an audit session together with their
// fallback producers, keyed by failure mode. Analyzers are registered at
// construction time; there is no runtime discovery.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[Kind]Analyzer
	fallbacks map[Kind]map[FailureMode]FallbackProducer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		analyzers: make(map[Kind]Analyzer),
		fallbacks: make(map[Kind]map[FailureMode]FallbackProducer),
	}
}

// Register adds an analyzer. Registering the same kind twice replaces the
// previous analyzer.
func (r *Registry) Register(a Analyzer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzers[a.Kind()] = a
}

// RegisterFallback attaches a fallback producer for a failure mode.
func (r *Registry) RegisterFallback(kind Kind, mode FailureMode, producer FallbackProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallbacks[kind] == nil {
		r.fallbacks[kind] = make(map[FailureMode]FallbackProducer)
	}
	r.fallbacks[kind][mode] = producer
}

// Get returns the analyzer for a kind.
func (r *Registry) Get(kind Kind) (Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[kind]
	if !ok {
		return nil, fmt.Errorf("no analyzer registered for kind %q", kind)
	}
	return a, nil
}

// Fallback returns the producer registered for (kind, mode), or nil.
func (r *Registry) Fallback(kind Kind, mode FailureMode) FallbackProducer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbacks[kind][mode]
}

// Kinds returns the registered analyzer kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.analyzers))
	for k := range r.analyzers {
		kinds = append(kinds, k)
	}
	return kinds
}
