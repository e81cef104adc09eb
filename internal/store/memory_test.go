package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JonMunkholm/cdp/internal/core"
)

// =============================================================================
// Fixtures
// =============================================================================

func customer(id, key string) core.CanonicalCustomer {
	return core.CanonicalCustomer{
		ID:           id,
		SourceSystem: "crm",
		SourceID:     "src-" + id,
		FirstName:    "Asha",
		LastName:     "Rao",
		BusinessKey:  key,
	}
}

func offer(id, customerID string, partition core.OfferPartition, key string) core.CanonicalOffer {
	return core.CanonicalOffer{
		ID:           id,
		CustomerID:   customerID,
		ProductType:  core.ProductLoyalty,
		Partition:    partition,
		Amount:       50000,
		ValidUntil:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		DedupKey:     key,
		SourceSystem: "crm",
	}
}

// =============================================================================
// Customers
// =============================================================================

func TestMemory_UpsertCustomers_CreatedThenUpdated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res, err := m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "mobile:1"), customer("c2", "mobile:2")})
	if err != nil {
		t.Fatalf("UpsertCustomers() error = %v", err)
	}
	for i, r := range res {
		if !r.Created {
			t.Errorf("results[%d].Created = false, want true", i)
		}
	}

	updated := customer("c1", "mobile:1")
	updated.FirstName = "Asha K"
	res, err = m.UpsertCustomers(ctx, []core.CanonicalCustomer{updated})
	if err != nil {
		t.Fatalf("UpsertCustomers() error = %v", err)
	}
	if res[0].Created {
		t.Error("second upsert Created = true, want false")
	}

	got := m.Customers()
	if len(got) != 2 {
		t.Fatalf("Customers() len = %d, want 2", len(got))
	}
	if got[0].FirstName != "Asha K" {
		t.Errorf("FirstName = %q, want %q", got[0].FirstName, "Asha K")
	}
}

func TestMemory_UpsertCustomers_BusinessKeyConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "pan:ABCDE1234F")}); err != nil {
		t.Fatalf("seed error = %v", err)
	}

	res, err := m.UpsertCustomers(ctx, []core.CanonicalCustomer{
		customer("c2", "mobile:2"),
		customer("c3", "pan:ABCDE1234F"),
	})
	if !errors.Is(err, ErrBusinessKeyConflict) {
		t.Fatalf("error = %v, want ErrBusinessKeyConflict", err)
	}
	if res[1].Err == nil {
		t.Error("results[1].Err = nil, want conflict")
	}
	if res[0].Err != nil {
		t.Errorf("results[0].Err = %v, want nil", res[0].Err)
	}

	// All-or-nothing: c2 must not have been written.
	if n := len(m.Customers()); n != 1 {
		t.Errorf("Customers() len = %d, want 1", n)
	}
}

func TestMemory_UpsertCustomers_ConflictWithinCall(t *testing.T) {
	m := NewMemory()

	_, err := m.UpsertCustomers(context.Background(), []core.CanonicalCustomer{
		customer("c1", "email:a@b.com"),
		customer("c2", "email:a@b.com"),
	})
	if !errors.Is(err, ErrBusinessKeyConflict) {
		t.Fatalf("error = %v, want ErrBusinessKeyConflict", err)
	}
	if n := len(m.Customers()); n != 0 {
		t.Errorf("Customers() len = %d, want 0", n)
	}
}

func TestMemory_UpsertCustomers_BusinessKeyMoves(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "mobile:1")}); err != nil {
		t.Fatalf("seed error = %v", err)
	}
	if _, err := m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "pan:X")}); err != nil {
		t.Fatalf("move error = %v", err)
	}

	found, err := m.ExistsByBusinessKey(ctx, []string{"mobile:1", "pan:X"})
	if err != nil {
		t.Fatalf("ExistsByBusinessKey() error = %v", err)
	}
	if _, ok := found["mobile:1"]; ok {
		t.Error("old business key still indexed")
	}
	if found["pan:X"] != "c1" {
		t.Errorf("found[pan:X] = %q, want c1", found["pan:X"])
	}
}

func TestMemory_ExistsByBusinessKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "mobile:1")})

	found, err := m.ExistsByBusinessKey(ctx, []string{"mobile:1", "mobile:9"})
	if err != nil {
		t.Fatalf("ExistsByBusinessKey() error = %v", err)
	}
	if len(found) != 1 || found["mobile:1"] != "c1" {
		t.Errorf("found = %v, want map[mobile:1:c1]", found)
	}
}

func TestMemory_ExistingCustomers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "mobile:1")})

	found, err := m.ExistingCustomers(ctx, []string{"c1", "c9"})
	if err != nil {
		t.Fatalf("ExistingCustomers() error = %v", err)
	}
	if len(found) != 1 || !found["c1"] {
		t.Errorf("found = %v, want map[c1:true]", found)
	}

	m.FailOn(OpExistingCustomers, errors.New("connection reset"))
	if _, err := m.ExistingCustomers(ctx, []string{"c1"}); err == nil {
		t.Error("ExistingCustomers() error = nil, want injected failure")
	}
}

// =============================================================================
// Offers
// =============================================================================

func TestMemory_UpsertOffers_RequiresCustomer(t *testing.T) {
	m := NewMemory()

	res, err := m.UpsertOffers(context.Background(), []core.CanonicalOffer{
		offer("o1", "missing", core.PartitionStandard, "k1"),
	})
	if !errors.Is(err, ErrUnknownCustomer) {
		t.Fatalf("error = %v, want ErrUnknownCustomer", err)
	}
	if res[0].Err == nil {
		t.Error("results[0].Err = nil, want error")
	}
	if n := len(m.Offers()); n != 0 {
		t.Errorf("Offers() len = %d, want 0", n)
	}
}

func TestMemory_UpsertOffers_PartitionsAreIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "mobile:1")})

	res, err := m.UpsertOffers(ctx, []core.CanonicalOffer{
		offer("o1", "c1", core.PartitionStandard, "same"),
		offer("o2", "c1", core.PartitionTopUp, "same"),
	})
	if err != nil {
		t.Fatalf("UpsertOffers() error = %v", err)
	}
	if !res[0].Created || !res[1].Created {
		t.Errorf("Created = %v/%v, want true/true", res[0].Created, res[1].Created)
	}

	topup, _ := m.ExistingOffers(ctx, core.PartitionTopUp, []string{"same"})
	standard, _ := m.ExistingOffers(ctx, core.PartitionStandard, []string{"same"})
	if topup["same"] != "o2" {
		t.Errorf("topup[same] = %q, want o2", topup["same"])
	}
	if standard["same"] != "o1" {
		t.Errorf("standard[same] = %q, want o1", standard["same"])
	}
}

func TestMemory_UpsertOffers_DedupKeyConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "mobile:1")})
	m.UpsertOffers(ctx, []core.CanonicalOffer{offer("o1", "c1", core.PartitionStandard, "k")})

	_, err := m.UpsertOffers(ctx, []core.CanonicalOffer{offer("o2", "c1", core.PartitionStandard, "k")})
	if !errors.Is(err, ErrOfferKeyConflict) {
		t.Fatalf("error = %v, want ErrOfferKeyConflict", err)
	}
}

// =============================================================================
// Audit
// =============================================================================

func TestMemory_ListAuditEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	events := []core.AuditEvent{
		{ID: "e1", RunID: "r1", Action: core.ActionCustomerCreated, SubjectID: "c1", CreatedAt: base},
		{ID: "e2", RunID: "r1", Action: core.ActionOfferCreated, SubjectID: "o1", CreatedAt: base.Add(time.Second)},
		{ID: "e3", RunID: "r2", Action: core.ActionCustomerUpdated, SubjectID: "c1", CreatedAt: base.Add(2 * time.Second)},
		{ID: "e4", RunID: "r2", Action: core.ActionRunCompleted, SubjectID: "r2", CreatedAt: base.Add(3 * time.Second)},
	}
	for _, e := range events {
		if err := m.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter core.AuditFilter
		want   []string
	}{
		{"all newest first", core.AuditFilter{}, []string{"e4", "e3", "e2", "e1"}},
		{"by run", core.AuditFilter{RunID: "r1"}, []string{"e2", "e1"}},
		{"by action", core.AuditFilter{Action: core.ActionCustomerUpdated}, []string{"e3"}},
		{"by subject", core.AuditFilter{SubjectID: "c1"}, []string{"e3", "e1"}},
		{"time window", core.AuditFilter{StartTime: base.Add(time.Second), EndTime: base.Add(2 * time.Second)}, []string{"e3", "e2"}},
		{"limit", core.AuditFilter{Limit: 2}, []string{"e4", "e3"}},
		{"offset", core.AuditFilter{Offset: 3}, []string{"e1"}},
		{"offset past end", core.AuditFilter{Offset: 10}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ListAuditEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListAuditEvents() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.ID != tt.want[i] {
					t.Errorf("[%d].ID = %q, want %q", i, e.ID, tt.want[i])
				}
			}
		})
	}
}

func TestMemory_AppendCopiesDetail(t *testing.T) {
	m := NewMemory()
	detail := map[string]any{"reason": "first"}
	m.Append(context.Background(), core.AuditEvent{ID: "e1", Detail: detail})
	detail["reason"] = "changed"

	if got := m.AuditEvents()[0].Detail["reason"]; got != "first" {
		t.Errorf("Detail[reason] = %v, want first", got)
	}
}

// =============================================================================
// Failure Injection
// =============================================================================

func TestMemory_FailOn(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("connection reset")

	m.FailOn(OpUpsertCustomers, boom)
	res, err := m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "mobile:1")})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if !errors.Is(res[0].Err, boom) {
		t.Errorf("results[0].Err = %v, want %v", res[0].Err, boom)
	}

	m.FailOn(OpUpsertCustomers, nil)
	if _, err := m.UpsertCustomers(ctx, []core.CanonicalCustomer{customer("c1", "mobile:1")}); err != nil {
		t.Errorf("after clearing failure, error = %v", err)
	}

	m.FailOn(OpAppend, boom)
	if err := m.Append(ctx, core.AuditEvent{ID: "e1"}); !errors.Is(err, boom) {
		t.Errorf("Append() error = %v, want %v", err, boom)
	}

	m.Reset()
	if err := m.Append(ctx, core.AuditEvent{ID: "e1"}); err != nil {
		t.Errorf("after Reset, Append() error = %v", err)
	}
	if n := len(m.Customers()); n != 0 {
		t.Errorf("after Reset, Customers() len = %d, want 0", n)
	}
}
