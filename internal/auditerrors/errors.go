// Package auditerrors defines the error taxonomy for the audit engine.
// Analyzer failures never cross the supervisor boundary; the kinds here are
// the ones the orchestrator and its callers can actually observe.
package auditerrors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrCancelled      = errors.New("cancelled by caller")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrFatalInternal  = errors.New("fatal internal error")
	ErrTimeout        = errors.New("timeout")
	ErrInvalidInput   = errors.New("invalid input")
)

// Kind categorizes an audit error.
type Kind string

const (
	KindAnalyzerTransient Kind = "analyzer_transient"
	KindAnalyzerPermanent Kind = "analyzer_permanent"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindConflict          Kind = "conflict"
	KindFatalInternal     Kind = "fatal_internal"
	KindCancelled         Kind = "cancelled"
)

// AuditError is a structured error recorded during an audit run.
type AuditError struct {
	Kind      Kind      `json:"kind"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
}

func (e *AuditError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s failed in %s: %s", e.Kind, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AuditError) Unwrap() error {
	return e.Err
}

// Is maps kinds onto the base sentinel errors so callers can use errors.Is.
func (e *AuditError) Is(target error) bool {
	switch target {
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrBudgetExceeded:
		return e.Kind == KindBudgetExceeded
	case ErrFatalInternal:
		return e.Kind == KindFatalInternal
	case ErrTimeout:
		return e.Retryable && e.Kind == KindAnalyzerTransient
	}
	return errors.Is(e.Err, target)
}

// New creates an AuditError for the given kind and phase.
func New(kind Kind, phase string, err error) *AuditError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &AuditError{
		Kind:      kind,
		Phase:     phase,
		Message:   msg,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindAnalyzerTransient,
	}
}

// Transient wraps an analyzer timeout or transient I/O failure.
func Transient(phase string, err error) *AuditError {
	return New(KindAnalyzerTransient, phase, err)
}

// Permanent wraps an analyzer contract violation (malformed output).
func Permanent(phase string, err error) *AuditError {
	return New(KindAnalyzerPermanent, phase, err)
}

// Fatal wraps an unrecoverable invariant violation.
func Fatal(phase string, err error) *AuditError {
	return New(KindFatalInternal, phase, err)
}

// Cancelled wraps an externally observed cancellation.
func Cancelled(phase string) *AuditError {
	return New(KindCancelled, phase, ErrCancelled)
}

// IsFatal reports whether err is (or wraps) a fatal internal error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalInternal)
}

// IsCancelled reports whether err is (or wraps) a caller cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
