package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/progress"
)

// maxRunRecords bounds the in-memory run history.
const maxRunRecords = 100

// RunRecord is the retained summary of one finished audit.
type RunRecord struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Tier       Tier      `json:"tier"`
	Status     Status    `json:"status"`
	TrustScore float64   `json:"trust_score"`
	RiskLevel  string    `json:"risk_level"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Service is the long-lived audit entry point: it owns the orchestrator,
// tracks in-flight audits for shutdown, and keeps a bounded run history.
type Service struct {
	orch *Orchestrator

	mu       sync.Mutex
	inflight sync.WaitGroup
	draining bool
	records  []RunRecord
}

// NewService creates a service over the analyzer registry.
func NewService(registry *analyzer.Registry, sink progress.Sink, config Config) *Service {
	return &Service{orch: New(registry, sink, config)}
}

// Orchestrator exposes the underlying orchestrator, mainly for module
// registration at startup.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orch
}

// Audit runs one audit and records its outcome in the run history.
func (s *Service) Audit(ctx context.Context, url string, tier Tier) (*AuditResult, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, context.Canceled
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	started := time.Now()
	result, err := s.orch.Audit(ctx, url, tier)
	if result != nil {
		s.record(RunRecord{
			ID:         uuid.New().String(),
			URL:        url,
			Tier:       tier,
			Status:     result.Status,
			TrustScore: result.TrustScore,
			RiskLevel:  result.RiskLevel,
			StartedAt:  started,
			FinishedAt: time.Now(),
		})
	}
	return result, err
}

func (s *Service) record(r RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if len(s.records) > maxRunRecords {
		s.records = s.records[len(s.records)-maxRunRecords:]
	}
}

// Records returns a copy of the run history, newest last.
func (s *Service) Records() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunRecord(nil), s.records...)
}

// Shutdown refuses new audits and waits for in-flight ones to finish, or
// for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Audit service drained")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Audit service shutdown timed out with audits in flight")
		return ctx.Err()
	}
}
