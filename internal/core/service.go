package core

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/cdp/internal/config"
)

// Store is everything the service needs from a storage backend: the live
// book, the audit sink and the audit reader.
type Store interface {
	Repository
	AuditSink
	AuditReader
}

// Service is the entrypoint used by the HTTP API, the CLI and the poller.
// It serialises runs against its store and bounds their size and duration.
type Service struct {
	store    Store
	pipeline *Pipeline
	limiter  *RunLimiter
	timeout  time.Duration
	maxBatch int
}

// NewService creates a Service from configuration. Extra options are applied
// after the configured ones.
func NewService(store Store, cfg *config.Config, opts ...PipelineOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("create service: store is required")
	}

	all := append([]PipelineOption{
		WithWorkers(cfg.Ingest.Workers),
		WithActor(cfg.Ingest.Actor),
	}, opts...)

	pipeline, err := NewPipeline(store, store, all...)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	return &Service{
		store:    store,
		pipeline: pipeline,
		limiter:  NewRunLimiter(cfg.Ingest.MaxConcurrentRuns, cfg.Ingest.MaxWaitTime),
		timeout:  cfg.Ingest.Timeout,
		maxBatch: cfg.Ingest.MaxBatchSize,
	}, nil
}

// Ingest runs the pipeline over a batch supplied by the caller.
//
// The result is never nil. A batch rejected before the run starts (too large,
// no free run slot) comes back aborted with no run id.
func (s *Service) Ingest(ctx context.Context, batch Batch) (*IngestionResult, error) {
	if n := len(batch.Customers) + len(batch.Offers); s.maxBatch > 0 && n > s.maxBatch {
		return rejected(batch.Source, fmt.Errorf("%w: %d records, limit %d", ErrBatchTooLarge, n, s.maxBatch))
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return rejected(batch.Source, err)
	}
	defer release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.pipeline.IngestBatch(ctx, batch)
}

// Run fetches a batch from src and runs the pipeline over it.
func (s *Service) Run(ctx context.Context, src Source) (*IngestionResult, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return rejected(sourceLabel(src), err)
	}
	defer release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.pipeline.Run(ctx, limitedSource{src: src, max: s.maxBatch})
}

// AuditLog lists audit events, newest first.
func (s *Service) AuditLog(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultAuditLimit
	}
	events, err := s.store.ListAuditEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// RunLimiterStatus returns the current run slot usage.
func (s *Service) RunLimiterStatus() RunLimiterStatus {
	return s.limiter.Status()
}

// WaitForRuns blocks until in-flight runs finish or ctx is done.
func (s *Service) WaitForRuns(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return s.limiter.Release, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func rejected(source string, err error) (*IngestionResult, error) {
	return &IngestionResult{
		Source:    sourceName(source),
		Stage:     StageAborted,
		StartedAt: time.Now(),
		Error:     err.Error(),
	}, err
}

// limitedSource enforces the batch size limit on fetched batches. An
// oversized batch is a fetch failure: nothing from it is processed.
type limitedSource struct {
	src Source
	max int
}

func (l limitedSource) FetchBatch(ctx context.Context) (Batch, error) {
	batch, err := l.src.FetchBatch(ctx)
	if err != nil {
		return Batch{}, err
	}
	if n := len(batch.Customers) + len(batch.Offers); l.max > 0 && n > l.max {
		return Batch{}, fmt.Errorf("%w: %d records, limit %d", ErrBatchTooLarge, n, l.max)
	}
	return batch, nil
}

func (l limitedSource) Name() string { return sourceLabel(l.src) }
