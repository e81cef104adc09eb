package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/cdp/internal/core"
	"github.com/JonMunkholm/cdp/internal/source"
	"github.com/JonMunkholm/cdp/internal/store"
)

// =============================================================================
// Helpers
// =============================================================================

var fixedNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, mem *store.Memory, opts ...core.PipelineOption) *core.Pipeline {
	t.Helper()
	opts = append([]core.PipelineOption{
		core.WithWorkers(3),
		core.WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	p, err := core.NewPipeline(mem, mem, opts...)
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return p
}

func customer(id, mobile string) core.RawCustomerRecord {
	return core.RawCustomerRecord{SourceID: id, FirstName: "John", LastName: "Doe", Mobile: mobile}
}

func offer(customerRef, offerType, amount string) core.RawOfferRecord {
	return core.RawOfferRecord{CustomerRef: customerRef, OfferType: offerType, Amount: amount, ExpiryDate: "2030-12-31"}
}

func countActions(events []core.AuditEvent) map[core.AuditAction]int {
	counts := make(map[core.AuditAction]int)
	for _, e := range events {
		counts[e.Action]++
	}
	return counts
}

type counts struct {
	customersIngested, customersUpdated, customersSkipped int
	offersIngested, offersUpdated, offersSkipped          int
}

func countsOf(r *core.IngestionResult) counts {
	return counts{
		r.CustomersIngested, r.CustomersUpdated, r.CustomersSkipped,
		r.OffersIngested, r.OffersUpdated, r.OffersSkipped,
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewPipeline_RequiresCollaborators(t *testing.T) {
	mem := store.NewMemory()
	if _, err := core.NewPipeline(nil, mem); err == nil {
		t.Error("NewPipeline(nil repo) error = nil, want error")
	}
	if _, err := core.NewPipeline(mem, nil); err == nil {
		t.Error("NewPipeline(nil sink) error = nil, want error")
	}
}

// =============================================================================
// Example Scenarios
// =============================================================================

func TestIngest_DuplicateMobileInBatch(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)

	result, err := p.Ingest(context.Background(), []core.RawCustomerRecord{
		customer("C1", "111"),
		customer("C2", "111"),
	}, nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if got, want := countsOf(result), (counts{customersIngested: 1, customersSkipped: 1}); got != want {
		t.Errorf("counts = %+v, want %+v", got, want)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Action != core.ActionBatchDuplicate || result.Skipped[0].Index != 1 {
		t.Errorf("Skipped = %+v, want one batch_duplicate at index 1", result.Skipped)
	}
	if result.Source != core.DefaultSource {
		t.Errorf("Source = %q, want %q", result.Source, core.DefaultSource)
	}
	if !result.Completed() {
		t.Errorf("Stage = %s, want completed", result.Stage)
	}
}

func TestIngest_OfferTypeIsolation(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)

	result, err := p.Ingest(context.Background(),
		[]core.RawCustomerRecord{customer("C1", "111")},
		[]core.RawOfferRecord{
			offer("C1", "Top-up", "5000"),
			offer("C1", "Top-up", "5000"),
			offer("C1", "Loyalty", "5000"),
		})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if result.OffersIngested != 2 || result.OffersSkipped != 1 {
		t.Errorf("offers ingested/skipped = %d/%d, want 2/1", result.OffersIngested, result.OffersSkipped)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Index != 1 || result.Skipped[0].Action != core.ActionBatchDuplicate {
		t.Errorf("Skipped = %+v, want the second Top-up offer", result.Skipped)
	}

	products := map[core.ProductType]int{}
	for _, o := range mem.Offers() {
		products[o.ProductType]++
	}
	if products[core.ProductTopUp] != 1 || products[core.ProductLoyalty] != 1 {
		t.Errorf("stored products = %v, want one Top-up and one Loyalty", products)
	}
}

func TestIngest_OffersForPersistedCustomer(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)
	ctx := context.Background()

	if _, err := p.Ingest(ctx, []core.RawCustomerRecord{customer("C1", "111")}, nil); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	result, err := p.Ingest(ctx, nil, []core.RawOfferRecord{
		offer("C1", "Top-up", "5000"),
		offer("C1", "Top-up", "5000"),
		offer("C1", "Loyalty", "5000"),
	})
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}

	if got, want := countsOf(result), (counts{offersIngested: 2, offersSkipped: 1}); got != want {
		t.Errorf("counts = %+v, want %+v", got, want)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Action != core.ActionBatchDuplicate || result.Skipped[0].Index != 1 {
		t.Errorf("Skipped = %+v, want one batch_duplicate at index 1", result.Skipped)
	}

	customerID := mem.Customers()[0].ID
	stored := mem.Offers()
	if len(stored) != 2 {
		t.Fatalf("stored offers = %d, want 2", len(stored))
	}
	for _, o := range stored {
		if o.CustomerID != customerID {
			t.Errorf("offer %s CustomerID = %q, want %q", o.ID, o.CustomerID, customerID)
		}
	}
}

// =============================================================================
// Properties
// =============================================================================

func TestIngest_Idempotent(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)
	ctx := context.Background()

	batch := core.Batch{
		Source: "crm",
		Customers: []core.RawCustomerRecord{
			customer("C1", "111"),
			customer("C2", "222"),
			{SourceID: "C3", FirstName: "Ana", LastName: "Lee", Email: "ana@example.com"},
		},
		Offers: []core.RawOfferRecord{
			offer("C1", "Loyalty", "10000"),
			offer("C2", "Top-up", "20000"),
			offer("C3", "E-aggregator", "30000"),
		},
	}

	first, err := p.IngestBatch(ctx, batch)
	if err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if got, want := countsOf(first), (counts{customersIngested: 3, offersIngested: 3}); got != want {
		t.Fatalf("first run counts = %+v, want %+v", got, want)
	}

	second, err := p.IngestBatch(ctx, batch)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if got, want := countsOf(second), (counts{customersUpdated: 3, offersUpdated: 3}); got != want {
		t.Errorf("replay counts = %+v, want %+v", got, want)
	}
	if first.RunID == second.RunID {
		t.Error("runs share a run id")
	}
	if n := len(mem.Customers()); n != 3 {
		t.Errorf("stored customers = %d, want 3", n)
	}
	if n := len(mem.Offers()); n != 3 {
		t.Errorf("stored offers = %d, want 3", n)
	}
}

func TestIngest_BusinessKeyUniqueAcrossRuns(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)
	ctx := context.Background()

	runs := []core.Batch{
		{Source: "crm", Customers: []core.RawCustomerRecord{customer("C1", "111"), customer("C2", "222")}},
		{Source: "branch", Customers: []core.RawCustomerRecord{customer("B7", "+111"), customer("B8", "333")}},
		{Source: "web", Customers: []core.RawCustomerRecord{customer("W1", "222"), customer("W2", "333"), customer("W3", "444")}},
	}
	for i, batch := range runs {
		if _, err := p.IngestBatch(ctx, batch); err != nil {
			t.Fatalf("run %d error = %v", i, err)
		}
	}

	owners := map[string]string{}
	for _, c := range mem.Customers() {
		if other, ok := owners[c.BusinessKey]; ok {
			t.Errorf("business key %s held by %s and %s", c.BusinessKey, other, c.ID)
		}
		owners[c.BusinessKey] = c.ID
	}
	if len(owners) != 4 {
		t.Errorf("distinct profiles = %d, want 4", len(owners))
	}
}

func TestIngest_PartialFailureIsolation(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)

	const n = 10
	customers := make([]core.RawCustomerRecord, n)
	for i := range customers {
		customers[i] = customer(fmt.Sprintf("C%d", i), fmt.Sprintf("9000000%03d", i))
	}
	customers[6].LastName = ""

	result, err := p.Ingest(context.Background(), customers, nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if result.CustomersIngested != n-1 || result.CustomersSkipped != 1 {
		t.Errorf("ingested/skipped = %d/%d, want %d/1", result.CustomersIngested, result.CustomersSkipped, n-1)
	}
	skip := result.Skipped[0]
	if skip.Index != 6 || skip.Action != core.ActionValidationSkipped || skip.SourceID != "C6" {
		t.Errorf("Skipped[0] = %+v", skip)
	}
	if len(mem.Customers()) != n-1 {
		t.Errorf("stored customers = %d, want %d", len(mem.Customers()), n-1)
	}
}

// =============================================================================
// Record-Level Outcomes
// =============================================================================

func TestIngest_RecordOutcomes(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)

	expired := offer("C1", "Loyalty", "100")
	expired.ExpiryDate = "2026-06-14"
	badType := offer("C1", "Mortgage", "100")

	result, err := p.Ingest(context.Background(),
		[]core.RawCustomerRecord{customer("C1", "111"), {SourceID: "C2", FirstName: "No", LastName: "Contact"}},
		[]core.RawOfferRecord{
			offer("C1", "Loyalty", "500"),
			expired,
			badType,
			offer("C2", "Loyalty", "500"),
			offer("C404", "Loyalty", "500"),
		})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	want := []struct {
		entity core.EntityKind
		index  int
		action core.AuditAction
	}{
		{core.EntityCustomer, 1, core.ActionValidationSkipped},
		{core.EntityOffer, 1, core.ActionValidationSkipped},
		{core.EntityOffer, 2, core.ActionValidationSkipped},
		{core.EntityOffer, 3, core.ActionOrphanOffer},
		{core.EntityOffer, 4, core.ActionOrphanOffer},
	}
	if len(result.Skipped) != len(want) {
		t.Fatalf("Skipped = %+v, want %d entries", result.Skipped, len(want))
	}
	for i, w := range want {
		got := result.Skipped[i]
		if got.Entity != w.entity || got.Index != w.index || got.Action != w.action {
			t.Errorf("Skipped[%d] = %s/%d/%s, want %s/%d/%s", i, got.Entity, got.Index, got.Action, w.entity, w.index, w.action)
		}
	}
	if result.OffersIngested != 1 || result.OffersSkipped != 4 {
		t.Errorf("offers ingested/skipped = %d/%d, want 1/4", result.OffersIngested, result.OffersSkipped)
	}
}

func TestIngest_ContactChangeUpdatesProfile(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)
	ctx := context.Background()

	if _, err := p.IngestBatch(ctx, core.Batch{Source: "crm", Customers: []core.RawCustomerRecord{customer("C1", "111")}}); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	result, err := p.IngestBatch(ctx, core.Batch{Source: "crm", Customers: []core.RawCustomerRecord{customer("C1", "555")}})
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}

	if result.CustomersUpdated != 1 || result.CustomersIngested != 0 {
		t.Errorf("updated/ingested = %d/%d, want 1/0", result.CustomersUpdated, result.CustomersIngested)
	}
	stored := mem.Customers()
	if len(stored) != 1 || stored[0].BusinessKey != "mobile:555" {
		t.Errorf("stored = %+v, want one profile keyed by the new mobile", stored)
	}
}

func TestIngest_OfferMatchesLiveBook(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)
	ctx := context.Background()

	first := offer("C1", "Loyalty", "5000")
	first.SourceID = "O1"
	first.CampaignRef = "SPRING"
	resent := first
	resent.SourceID = "O99"

	customers := []core.RawCustomerRecord{customer("C1", "111")}
	if _, err := p.IngestBatch(ctx, core.Batch{Source: "crm", Customers: customers, Offers: []core.RawOfferRecord{first}}); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	result, err := p.IngestBatch(ctx, core.Batch{Source: "crm", Customers: customers, Offers: []core.RawOfferRecord{resent}})
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}

	if result.OffersUpdated != 1 || result.OffersIngested != 0 {
		t.Errorf("offers updated/ingested = %d/%d, want 1/0", result.OffersUpdated, result.OffersIngested)
	}
	if n := len(mem.Offers()); n != 1 {
		t.Errorf("stored offers = %d, want 1", n)
	}
}

// =============================================================================
// Aborts
// =============================================================================

func TestRun_FetchFailureAborts(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)

	src := source.Static{Batch: core.Batch{Source: "crm"}, Err: errors.New("upstream unavailable")}
	result, err := p.Run(context.Background(), src)

	var fetchErr *core.CriticalFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %v, want *CriticalFetchError", err)
	}
	if fetchErr.Source != "crm" {
		t.Errorf("Source = %q, want crm", fetchErr.Source)
	}
	if result == nil || result.Stage != core.StageAborted || result.FailedStage != core.StageFetch {
		t.Fatalf("result = %+v, want aborted in fetch", result)
	}
	if result.Error == "" {
		t.Error("Error is empty")
	}
	if events := mem.AuditEvents(); len(events) != 0 {
		t.Errorf("audit events = %d, want 0", len(events))
	}
}

func TestRun_FetchedBatch(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)

	src := source.Static{Batch: core.Batch{Source: "CRM", Customers: []core.RawCustomerRecord{customer("C1", "111")}}}
	result, err := p.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Source != "crm" || result.CustomersIngested != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestIngest_PersistenceFailureAborts(t *testing.T) {
	mem := store.NewMemory()
	mem.FailOn(store.OpUpsertOffers, errors.New("connection reset by peer"))
	p := newPipeline(t, mem)

	result, err := p.Ingest(context.Background(),
		[]core.RawCustomerRecord{customer("C1", "111"), customer("C2", "222"), {SourceID: "C3"}},
		[]core.RawOfferRecord{offer("C1", "Loyalty", "100")})

	var persistErr *core.PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("error = %v, want *PersistenceError", err)
	}
	if persistErr.Entity != core.EntityOffer || persistErr.Op != "upsert" || len(persistErr.FailedIDs) != 1 {
		t.Errorf("PersistenceError = %+v", persistErr)
	}

	if result.Stage != core.StageAborted || result.FailedStage != core.StagePersist {
		t.Errorf("stage = %s/%s, want aborted/persist", result.Stage, result.FailedStage)
	}
	if result.CustomersIngested != 2 || result.CustomersSkipped != 1 {
		t.Errorf("partial counts = %+v", countsOf(result))
	}
	if len(mem.Offers()) != 0 {
		t.Error("offers persisted after failure")
	}
	if n := countActions(mem.AuditEvents())[core.ActionRunCompleted]; n != 0 {
		t.Errorf("run_completed events = %d, want 0", n)
	}
}

func TestIngest_ExistenceCheckFailureAborts(t *testing.T) {
	mem := store.NewMemory()
	mem.FailOn(store.OpExistsByBusinessKey, errors.New("connection refused"))
	p := newPipeline(t, mem)

	result, err := p.Ingest(context.Background(), []core.RawCustomerRecord{customer("C1", "111")}, nil)

	var dedupErr *core.DeduplicationError
	if !errors.As(err, &dedupErr) {
		t.Fatalf("error = %v, want *DeduplicationError", err)
	}
	var persistErr *core.PersistenceError
	if !errors.As(err, &persistErr) || persistErr.Op != "exists" {
		t.Errorf("error = %v, want an exists *PersistenceError", err)
	}
	if result.FailedStage != core.StageDedup {
		t.Errorf("FailedStage = %s, want dedup", result.FailedStage)
	}
}

// =============================================================================
// Audit Trail
// =============================================================================

func TestIngest_AuditTrail(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem, core.WithActor("nightly-sync"))

	ctx := core.ContextWithIPAddress(context.Background(), "10.0.0.8")
	result, err := p.Ingest(ctx,
		[]core.RawCustomerRecord{customer("C1", "111"), customer("C2", "111")},
		[]core.RawOfferRecord{offer("C1", "Loyalty", "100"), offer("C2", "Top-up", "100")})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	events := mem.AuditEvents()
	got := countActions(events)
	want := map[core.AuditAction]int{
		core.ActionBatchDuplicate:  1,
		core.ActionCustomerCreated: 1,
		core.ActionOfferCreated:    2,
		core.ActionRunCompleted:    1,
	}
	for action, n := range want {
		if got[action] != n {
			t.Errorf("%s events = %d, want %d", action, got[action], n)
		}
	}

	for _, e := range events {
		if e.RunID != result.RunID {
			t.Errorf("event %s RunID = %q, want %q", e.Action, e.RunID, result.RunID)
		}
		if e.Actor != "nightly-sync" {
			t.Errorf("event %s Actor = %q, want nightly-sync", e.Action, e.Actor)
		}
		if !e.CreatedAt.Equal(fixedNow) {
			t.Errorf("event %s CreatedAt = %v, want %v", e.Action, e.CreatedAt, fixedNow)
		}
	}

	last := events[len(events)-1]
	if last.Action != core.ActionRunCompleted || last.SubjectID != result.RunID {
		t.Errorf("last event = %s/%s, want run_completed for the run", last.Action, last.SubjectID)
	}
	if last.Detail["ip_address"] != "10.0.0.8" {
		t.Errorf("run detail ip_address = %v, want 10.0.0.8", last.Detail["ip_address"])
	}
}

func TestIngest_ActorFromContext(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(t, mem)

	ctx := core.ContextWithActor(context.Background(), "api-key:abcd")
	if _, err := p.Ingest(ctx, []core.RawCustomerRecord{customer("C1", "111")}, nil); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	for _, e := range mem.AuditEvents() {
		if e.Actor != "api-key:abcd" {
			t.Errorf("Actor = %q, want api-key:abcd", e.Actor)
		}
	}
}

func TestIngest_AuditFailureDoesNotFailRun(t *testing.T) {
	mem := store.NewMemory()
	mem.FailOn(store.OpAppend, errors.New("audit table unavailable"))
	p := newPipeline(t, mem)

	result, err := p.Ingest(context.Background(),
		[]core.RawCustomerRecord{customer("C1", "111"), {SourceID: "bad"}}, nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !result.Completed() || result.CustomersIngested != 1 {
		t.Errorf("result = %+v", result)
	}
}

// =============================================================================
// Observer
// =============================================================================

type recordingObserver struct {
	mu     sync.Mutex
	stages []core.Stage
	runs   []core.Stage
}

func (o *recordingObserver) ObserveStage(stage core.Stage, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *recordingObserver) ObserveRun(r *core.IngestionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, r.Stage)
}

func TestPipeline_Observer(t *testing.T) {
	tests := []struct {
		name       string
		failOn     store.Op
		wantStages []core.Stage
		wantRun    core.Stage
	}{
		{
			name:       "completed",
			wantStages: []core.Stage{core.StageFetch, core.StageValidate, core.StageMap, core.StageDedup, core.StagePersist, core.StageReport},
			wantRun:    core.StageCompleted,
		},
		{
			name:       "aborted in persist",
			failOn:     store.OpUpsertCustomers,
			wantStages: []core.Stage{core.StageFetch, core.StageValidate, core.StageMap, core.StageDedup, core.StagePersist},
			wantRun:    core.StageAborted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			if tt.failOn != "" {
				mem.FailOn(tt.failOn, errors.New("boom"))
			}
			obs := &recordingObserver{}
			p := newPipeline(t, mem, core.WithObserver(obs))

			src := source.Static{Batch: core.Batch{Source: "crm", Customers: []core.RawCustomerRecord{customer("C1", "111")}}}
			_, _ = p.Run(context.Background(), src)

			if fmt.Sprint(obs.stages) != fmt.Sprint(tt.wantStages) {
				t.Errorf("stages = %v, want %v", obs.stages, tt.wantStages)
			}
			if len(obs.runs) != 1 || obs.runs[0] != tt.wantRun {
				t.Errorf("runs = %v, want [%s]", obs.runs, tt.wantRun)
			}
		})
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

// BenchmarkIngest measures a full run against the memory store. Every
// iteration after the first is a replay, so it exercises the update path.
func BenchmarkIngest(b *testing.B) {
	const n = 500
	batch := core.Batch{Source: "crm"}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("C%d", i)
		batch.Customers = append(batch.Customers, customer(id, fmt.Sprintf("98%08d", i)))
		batch.Offers = append(batch.Offers, offer(id, "Loyalty", "50000"), offer(id, "Top-up", "25000"))
	}

	mem := store.NewMemory()
	p, err := core.NewPipeline(mem, mem)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.IngestBatch(context.Background(), batch); err != nil {
			b.Fatal(err)
		}
	}
}
