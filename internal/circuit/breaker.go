// Package circuit provides per-analyzer circuit breakers for the audit
// supervisor. A breaker temporarily rejects calls to an analyzer after
// repeated failures so one misbehaving collaborator cannot stall the audit.
package circuit

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed means the circuit is operating normally
	StateClosed State = iota
	// StateOpen means the circuit is tripped and calls are rejected
	StateOpen
	// StateHalfOpen means the circuit is probing whether the analyzer recovered
	StateHalfOpen
)

// String returns the state as a string
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorCategory categorizes failures for breaker handling.
type ErrorCategory int

const (
	// CategoryTransient is a timeout or transient I/O failure; counts toward the threshold.
	CategoryTransient ErrorCategory = iota
	// CategoryPermanent is an analyzer contract violation; the breaker opens immediately.
	CategoryPermanent
	// CategoryCancelled is caller cancellation; never debited against the analyzer.
	CategoryCancelled
)

// Config configures the circuit breaker behavior
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes needed to close
	SuccessThreshold int
	// OpenDuration is the initial open period; doubled per open cycle
	OpenDuration time.Duration
	// MaxOpenDuration caps the exponential backoff
	MaxOpenDuration time.Duration
	// HalfOpenMaxCalls is how many probes the half-open state admits
	HalfOpenMaxCalls int
}

// DefaultConfig returns the defaults used for analyzer breakers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenDuration:     30 * time.Second,
		MaxOpenDuration:  5 * time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker implements the circuit breaker pattern for one analyzer.
type Breaker struct {
	mu sync.RWMutex

	config Config
	state  State
	name   string

	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	lastError            error

	currentBackoff   time.Duration
	openedAt         time.Time
	halfOpenInFlight int

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64

	onStateChange func(from, to State)
}

// NewBreaker creates a breaker named after its analyzer.
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	if config.MaxOpenDuration <= 0 {
		config.MaxOpenDuration = 5 * time.Minute
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}

	return &Breaker{
		config:         config,
		state:          StateClosed,
		name:           name,
		currentBackoff: config.OpenDuration,
	}
}

// SetOnStateChange sets a callback for state changes.
func (b *Breaker) SetOnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow checks whether a call should proceed. It may transition the breaker
// from open to half-open when the backoff period has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.currentBackoff {
			b.transitionTo(StateHalfOpen)
			b.halfOpenInFlight = 1
			log.Info().
				Str("breaker", b.name).
				Str("state", "half-open").
				Msg("Circuit breaker admitting probe")
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenInFlight++
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = time.Now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	b.totalSuccesses++

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
			b.currentBackoff = b.config.OpenDuration
			log.Info().
				Str("breaker", b.name).
				Str("state", "closed").
				Msg("Circuit breaker recovered and closed")
		}
	}
}

// RecordFailure records a failed call with transient categorization.
func (b *Breaker) RecordFailure(err error) {
	b.RecordFailureWithCategory(err, CategoryTransient)
}

// RecordFailureWithCategory records a failed call. Cancelled calls release a
// half-open probe slot but are never debited. Permanent failures open the
// breaker without waiting for the threshold.
func (b *Breaker) RecordFailureWithCategory(err error, category ErrorCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if category == CategoryCancelled {
		if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		return
	}

	b.lastFailure = time.Now()
	b.lastError = err
	b.consecutiveSuccesses = 0
	b.totalFailures++

	if category == CategoryPermanent {
		b.consecutiveFailures = b.config.FailureThreshold
	} else {
		b.consecutiveFailures++
	}

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.tripCircuit(err)
		}

	case StateHalfOpen:
		// Single failure in half-open reopens with escalated backoff.
		b.currentBackoff = b.currentBackoff * 2
		if b.currentBackoff > b.config.MaxOpenDuration {
			b.currentBackoff = b.config.MaxOpenDuration
		}
		b.tripCircuit(err)
	}
}

func (b *Breaker) tripCircuit(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = time.Now()
	b.halfOpenInFlight = 0
	b.totalTrips++

	log.Warn().
		Str("breaker", b.name).
		Dur("backoff", b.currentBackoff).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Circuit breaker tripped")
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState

	if b.onStateChange != nil {
		go b.onStateChange(oldState, newState)
	}
}

// Reset returns the breaker to closed with backoff cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.currentBackoff = b.config.OpenDuration
	b.lastError = nil
	b.halfOpenInFlight = 0
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen returns true if the circuit is open (rejecting calls)
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateOpen
}

// Status is a point-in-time summary of breaker health.
type Status struct {
	Name                 string        `json:"name"`
	State                string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastFailure          *time.Time    `json:"last_failure,omitempty"`
	LastSuccess          *time.Time    `json:"last_success,omitempty"`
	LastError            string        `json:"last_error,omitempty"`
	CurrentBackoff       time.Duration `json:"current_backoff_ms"`
	TotalFailures        int64         `json:"total_failures"`
	TotalSuccesses       int64         `json:"total_successes"`
	TotalTrips           int64         `json:"total_trips"`
	TimeUntilRetry       time.Duration `json:"time_until_retry_ms,omitempty"`
}

// GetStatus returns the current status of the circuit breaker
func (b *Breaker) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := Status{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		CurrentBackoff:       b.currentBackoff,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		TotalTrips:           b.totalTrips,
	}

	if !b.lastFailure.IsZero() {
		status.LastFailure = &b.lastFailure
	}
	if !b.lastSuccess.IsZero() {
		status.LastSuccess = &b.lastSuccess
	}
	if b.lastError != nil {
		status.LastError = b.lastError.Error()
	}

	if b.state == StateOpen {
		retryIn := b.currentBackoff - time.Since(b.openedAt)
		if retryIn > 0 {
			status.TimeUntilRetry = retryIn
		}
	}

	return status
}

// circuitOpenError is returned when a call is rejected by an open circuit
type circuitOpenError struct{}

func (e circuitOpenError) Error() string {
	return "circuit breaker is open"
}

// ErrCircuitOpen is returned when a call is rejected by an open circuit
var ErrCircuitOpen error = circuitOpenError{}

// IsCircuitOpen checks if an error is a circuit open error
func IsCircuitOpen(err error) bool {
	_, ok := err.(circuitOpenError)
	return ok
}

// CategorizeError classifies an analyzer error for breaker handling.
// Malformed-output contract violations open the breaker immediately.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"malformed", "invalid output", "contract violation", "unmarshal"} {
		if strings.Contains(msg, marker) {
			return CategoryPermanent
		}
	}
	return CategoryTransient
}
