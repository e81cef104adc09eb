package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/cdp/internal/logging"
)

// DefaultWorkers is the validate/map worker count when none is configured.
const DefaultWorkers = 4

// DefaultActor names the pipeline in audit events when none is configured.
const DefaultActor = "ingestion-pipeline"

// RunObserver receives run telemetry. Implementations must be safe for
// concurrent use.
type RunObserver interface {
	ObserveStage(stage Stage, d time.Duration)
	ObserveRun(result *IngestionResult)
}

// Pipeline drives one batch through fetch, validate, map, dedup, persist and
// report. A Pipeline holds no per-run state and may be shared; overlapping
// runs against the same repository are prevented by Service, not here.
type Pipeline struct {
	repo     Repository
	sink     AuditSink
	workers  int
	actor    string
	observer RunObserver
	now      func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithWorkers bounds the validate/map worker pool.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithActor sets the actor recorded on audit events.
func WithActor(actor string) PipelineOption {
	return func(p *Pipeline) {
		if actor != "" {
			p.actor = actor
		}
	}
}

// WithObserver attaches run telemetry.
func WithObserver(o RunObserver) PipelineOption {
	return func(p *Pipeline) { p.observer = o }
}

// WithClock replaces time.Now. Expiry checks and audit timestamps use it.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipeline creates a pipeline writing to repo and sink.
func NewPipeline(repo Repository, sink AuditSink, opts ...PipelineOption) (*Pipeline, error) {
	if repo == nil {
		return nil, errors.New("pipeline: repository is required")
	}
	if sink == nil {
		return nil, errors.New("pipeline: audit sink is required")
	}

	p := &Pipeline{
		repo:    repo,
		sink:    sink,
		workers: DefaultWorkers,
		actor:   DefaultActor,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Ingest processes customer and offer records delivered directly by the
// caller. The returned result is never nil; on error it holds the partial
// counts gathered before the run aborted.
func (p *Pipeline) Ingest(ctx context.Context, customers []RawCustomerRecord, offers []RawOfferRecord) (*IngestionResult, error) {
	return p.IngestBatch(ctx, Batch{Source: DefaultSource, Customers: customers, Offers: offers})
}

// IngestBatch processes an already fetched batch.
func (p *Pipeline) IngestBatch(ctx context.Context, batch Batch) (*IngestionResult, error) {
	run := p.start(ctx, batch.Source)
	return run.process(batch)
}

// Run fetches one batch from src and processes it. A fetch failure aborts
// the run with a *CriticalFetchError before any record is touched.
func (p *Pipeline) Run(ctx context.Context, src Source) (*IngestionResult, error) {
	run := p.start(ctx, sourceLabel(src))

	run.enter(StageFetch)
	batch, err := src.FetchBatch(ctx)
	if err != nil {
		return run.abort(&CriticalFetchError{Source: run.result.Source, Err: err})
	}
	if batch.Source == "" {
		batch.Source = run.result.Source
	}
	return run.process(batch)
}

// ----------------------------------------------------------------------------
// Run State
// ----------------------------------------------------------------------------

// run is the in-memory accumulator of a single pipeline execution.
type run struct {
	p      *Pipeline
	ctx    context.Context
	result *IngestionResult
	audit  *auditor
	logger *slog.Logger

	stageStart time.Time
}

func (p *Pipeline) start(ctx context.Context, source string) *run {
	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := logging.FromContext(ctx)

	r := &run{
		p:   p,
		ctx: ctx,
		result: &IngestionResult{
			RunID:     runID,
			Source:    sourceName(source),
			StartedAt: p.now(),
		},
		audit:  newAuditor(p.sink, runID, actorFor(ctx, p.actor), p.now, logger),
		logger: logger,
	}
	logger.Info("ingestion run started", "source", r.result.Source)
	return r
}

func (r *run) enter(stage Stage) {
	now := r.p.now()
	if r.result.Stage != "" {
		r.observeStage(now)
	}
	r.result.Stage = stage
	r.stageStart = now
	r.logger.Debug("ingestion stage", "stage", stage)
}

func (r *run) observeStage(now time.Time) {
	if r.p.observer != nil {
		r.p.observer.ObserveStage(r.result.Stage, now.Sub(r.stageStart))
	}
}

func (r *run) process(batch Batch) (*IngestionResult, error) {
	r.result.Source = sourceName(batch.Source)
	asOf := r.p.now()

	// Validate
	r.enter(StageValidate)
	validator := NewValidator(asOf)
	customerChecks := make([]ValidationResult, len(batch.Customers))
	offerChecks := make([]ValidationResult, len(batch.Offers))
	r.parallel(len(batch.Customers), func(i int) {
		customerChecks[i] = validator.ValidateCustomer(batch.Customers[i])
	})
	r.parallel(len(batch.Offers), func(i int) {
		offerChecks[i] = validator.ValidateOffer(batch.Offers[i])
	})

	for i, check := range customerChecks {
		if !check.Valid {
			r.skip(SkippedRecord{
				Entity:   EntityCustomer,
				Index:    i,
				SourceID: CleanCell(batch.Customers[i].SourceID),
				Action:   ActionValidationSkipped,
				Reason:   check.Reason(),
			}, CleanCell(batch.Customers[i].SourceID))
		}
	}
	for i, check := range offerChecks {
		if !check.Valid {
			r.skip(SkippedRecord{
				Entity:   EntityOffer,
				Index:    i,
				SourceID: CleanCell(batch.Offers[i].SourceID),
				Action:   ActionValidationSkipped,
				Reason:   check.Reason(),
			}, CleanCell(batch.Offers[i].SourceID))
		}
	}

	// Map
	r.enter(StageMap)
	source := r.result.Source
	customerSlots := make([]*CustomerCandidate, len(batch.Customers))
	offerSlots := make([]*OfferCandidate, len(batch.Offers))
	r.parallel(len(batch.Customers), func(i int) {
		if customerChecks[i].Valid {
			customerSlots[i] = &CustomerCandidate{Index: i, Customer: ToCustomer(source, batch.Customers[i])}
		}
	})
	r.parallel(len(batch.Offers), func(i int) {
		if offerChecks[i].Valid {
			raw := batch.Offers[i]
			offerSlots[i] = &OfferCandidate{Index: i, Offer: ToOffer(source, raw, CustomerIDFor(source, raw.CustomerRef), asOf)}
		}
	})
	customers := compact(customerSlots)
	offers := compact(offerSlots)

	// Dedup
	r.enter(StageDedup)
	dd := NewDeduplicator(r.p.repo)

	customerPlan, err := dd.Customers(r.ctx, customers)
	if err != nil {
		return r.abort(&PersistenceError{Op: "exists", Entity: EntityCustomer, Err: err})
	}
	for _, dup := range customerPlan.Duplicates {
		r.skip(duplicateRecord(dup), dup.ID)
	}

	offerPlan, err := dd.Offers(r.ctx, offers, customerPlan)
	if err != nil {
		return r.abort(&PersistenceError{Op: "exists", Entity: EntityOffer, Err: err})
	}
	for _, orphan := range offerPlan.Orphans {
		raw := batch.Offers[orphan.Index]
		r.skip(SkippedRecord{
			Entity:   EntityOffer,
			Index:    orphan.Index,
			SourceID: orphan.Offer.SourceID,
			Action:   ActionOrphanOffer,
			Reason:   fmt.Sprintf("customer %s is neither in this batch nor persisted", CleanCell(raw.CustomerRef)),
		}, orphan.Offer.ID)
	}
	for _, dup := range offerPlan.Duplicates {
		r.skip(duplicateRecord(dup), dup.ID)
	}

	// Persist
	r.enter(StagePersist)
	persistedCustomers, err := r.persistCustomers(customerPlan.Survivors)
	if err != nil {
		return r.abort(err)
	}
	persistedOffers, err := r.persistOffers(offerPlan.Survivors)
	if err != nil {
		return r.abort(err)
	}

	// Report
	r.enter(StageReport)
	for _, pc := range persistedCustomers {
		r.audit.logCustomer(r.ctx, pc.customer, pc.created)
	}
	for _, po := range persistedOffers {
		r.audit.logOffer(r.ctx, po.offer, po.created)
	}

	return r.complete()
}

type persistedCustomer struct {
	customer CanonicalCustomer
	created  bool
}

type persistedOffer struct {
	offer   CanonicalOffer
	created bool
}

func (r *run) persistCustomers(survivors []CustomerCandidate) ([]persistedCustomer, error) {
	if len(survivors) == 0 {
		return nil, nil
	}
	batch := make([]CanonicalCustomer, len(survivors))
	for i, s := range survivors {
		batch[i] = s.Customer
	}

	results, err := r.p.repo.UpsertCustomers(r.ctx, batch)
	if err != nil {
		return nil, &PersistenceError{Op: "upsert", Entity: EntityCustomer, FailedIDs: failedIDs(results), Err: err}
	}
	if len(results) != len(batch) {
		return nil, &PersistenceError{Op: "upsert", Entity: EntityCustomer,
			Err: fmt.Errorf("repository returned %d results for %d customers", len(results), len(batch))}
	}

	out := make([]persistedCustomer, len(batch))
	for i, res := range results {
		out[i] = persistedCustomer{customer: batch[i], created: res.Created}
		if res.Created {
			r.result.CustomersIngested++
		} else {
			r.result.CustomersUpdated++
		}
	}
	return out, nil
}

func (r *run) persistOffers(survivors []OfferCandidate) ([]persistedOffer, error) {
	if len(survivors) == 0 {
		return nil, nil
	}
	batch := make([]CanonicalOffer, len(survivors))
	for i, s := range survivors {
		batch[i] = s.Offer
	}

	results, err := r.p.repo.UpsertOffers(r.ctx, batch)
	if err != nil {
		return nil, &PersistenceError{Op: "upsert", Entity: EntityOffer, FailedIDs: failedIDs(results), Err: err}
	}
	if len(results) != len(batch) {
		return nil, &PersistenceError{Op: "upsert", Entity: EntityOffer,
			Err: fmt.Errorf("repository returned %d results for %d offers", len(results), len(batch))}
	}

	out := make([]persistedOffer, len(batch))
	for i, res := range results {
		out[i] = persistedOffer{offer: batch[i], created: res.Created}
		if res.Created {
			r.result.OffersIngested++
		} else {
			r.result.OffersUpdated++
		}
	}
	return out, nil
}

func (r *run) skip(rec SkippedRecord, subjectID string) {
	r.result.skip(rec)
	r.audit.logSkip(r.ctx, rec, subjectID)
	r.logger.Debug("record skipped",
		"entity", rec.Entity,
		"index", rec.Index,
		"action", rec.Action,
		"reason", rec.Reason,
	)
}

func (r *run) complete() (*IngestionResult, error) {
	now := r.p.now()
	r.observeStage(now)
	r.result.Stage = StageCompleted
	r.result.Duration = now.Sub(r.result.StartedAt)

	r.audit.logRun(r.ctx, r.result)
	r.logger.Info("ingestion run completed",
		"source", r.result.Source,
		"customers_ingested", r.result.CustomersIngested,
		"customers_updated", r.result.CustomersUpdated,
		"customers_skipped", r.result.CustomersSkipped,
		"offers_ingested", r.result.OffersIngested,
		"offers_updated", r.result.OffersUpdated,
		"offers_skipped", r.result.OffersSkipped,
		"duration_ms", r.result.Duration.Milliseconds(),
	)
	if r.p.observer != nil {
		r.p.observer.ObserveRun(r.result)
	}
	return r.result, nil
}

// abort moves the run to its terminal failure state. Counts gathered so far
// stay on the result. No report is produced.
func (r *run) abort(err error) (*IngestionResult, error) {
	now := r.p.now()
	r.observeStage(now)
	r.result.FailedStage = r.result.Stage
	r.result.Stage = StageAborted
	r.result.Duration = now.Sub(r.result.StartedAt)
	r.result.Error = err.Error()

	r.logger.Error("ingestion run aborted",
		"stage", r.result.FailedStage,
		"error", err,
		"customers_ingested", r.result.CustomersIngested,
		"customers_skipped", r.result.CustomersSkipped,
		"offers_ingested", r.result.OffersIngested,
		"offers_skipped", r.result.OffersSkipped,
		"duration_ms", r.result.Duration.Milliseconds(),
	)
	if r.p.observer != nil {
		r.p.observer.ObserveRun(r.result)
	}
	return r.result, err
}

// parallel runs fn for every index in [0, n) on the bounded worker pool.
// fn writes only to its own slot, so results keep input order.
func (r *run) parallel(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(r.p.workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait() // fn never fails
}

func compact[T any](slots []*T) []T {
	out := make([]T, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

func duplicateRecord(d Duplicate) SkippedRecord {
	return SkippedRecord{
		Entity:   d.Entity,
		Index:    d.Index,
		SourceID: d.SourceID,
		Action:   ActionBatchDuplicate,
		Reason:   d.Reason,
	}
}

func failedIDs(results []UpsertResult) []string {
	var ids []string
	for _, res := range results {
		if res.Err != nil {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

func actorFor(ctx context.Context, fallback string) string {
	if actor := ActorFromContext(ctx); actor != "" {
		return actor
	}
	return fallback
}

// sourceLabel names a source for logs and errors.
func sourceLabel(src Source) string {
	if named, ok := src.(interface{ Name() string }); ok {
		return named.Name()
	}
	return DefaultSource
}
