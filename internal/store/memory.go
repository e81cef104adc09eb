// Package store holds the storage backends of the customer data platform:
// a PostgreSQL store for production and an in-memory store for tests and
// local runs. Both implement core.Store with the same semantics.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/cdp/internal/core"
)

// Errors returned by the memory store. They carry the same wording as the
// PostgreSQL constraint violations so callers map them identically.
var (
	ErrBusinessKeyConflict = errors.New("duplicate key value violates unique constraint \"customers_business_key_key\"")
	ErrOfferKeyConflict    = errors.New("duplicate key value violates unique constraint \"offers_partition_dedup_key_key\"")
	ErrUnknownCustomer     = errors.New("insert or update on table \"offers\" violates foreign key constraint \"offers_customer_id_fkey\"")
)

// Op names a memory store operation for failure injection.
type Op string

const (
	OpExistsByBusinessKey Op = "exists_by_business_key"
	OpExistingOffers      Op = "existing_offers"
	OpExistingCustomers   Op = "existing_customers"
	OpUpsertCustomers     Op = "upsert_customers"
	OpUpsertOffers        Op = "upsert_offers"
	OpAppend              Op = "append"
	OpListAuditEvents     Op = "list_audit_events"
)

type offerKey struct {
	partition core.OfferPartition
	dedupKey  string
}

// Memory is a thread-safe in-memory core.Store.
type Memory struct {
	mu sync.RWMutex

	customers     map[string]core.CanonicalCustomer
	customerOrder []string
	byBusinessKey map[string]string

	offers     map[string]core.CanonicalOffer
	offerOrder []string
	byOfferKey map[offerKey]string

	audit []core.AuditEvent

	failures map[Op]error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.customers = make(map[string]core.CanonicalCustomer)
	m.customerOrder = nil
	m.byBusinessKey = make(map[string]string)
	m.offers = make(map[string]core.CanonicalOffer)
	m.offerOrder = nil
	m.byOfferKey = make(map[offerKey]string)
	m.audit = nil
	m.failures = make(map[Op]error)
}

// Reset clears all data and injected failures.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

// FailOn makes every later call of op return err. A nil err clears it.
func (m *Memory) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) failure(op Op) error {
	return m.failures[op]
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}

// ----------------------------------------------------------------------------
// Repository
// ----------------------------------------------------------------------------

// ExistsByBusinessKey implements core.Repository.
func (m *Memory) ExistsByBusinessKey(ctx context.Context, keys []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpExistsByBusinessKey); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found := make(map[string]string)
	for _, k := range keys {
		if id, ok := m.byBusinessKey[k]; ok {
			found[k] = id
		}
	}
	return found, nil
}

// ExistingOffers implements core.Repository.
func (m *Memory) ExistingOffers(ctx context.Context, partition core.OfferPartition, keys []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpExistingOffers); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found := make(map[string]string)
	for _, k := range keys {
		if id, ok := m.byOfferKey[offerKey{partition, k}]; ok {
			found[k] = id
		}
	}
	return found, nil
}

// ExistingCustomers implements core.Repository.
func (m *Memory) ExistingCustomers(ctx context.Context, ids []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpExistingCustomers); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found := make(map[string]bool)
	for _, id := range ids {
		if _, ok := m.customers[id]; ok {
			found[id] = true
		}
	}
	return found, nil
}

// UpsertCustomers implements core.Repository. The whole call is checked
// before anything is written, so a failure leaves the store untouched.
func (m *Memory) UpsertCustomers(ctx context.Context, customers []core.CanonicalCustomer) ([]core.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]core.UpsertResult, len(customers))
	for i, c := range customers {
		results[i].ID = c.ID
	}

	if err := m.failure(OpUpsertCustomers); err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}

	// Business keys as they will be after this call.
	staged := make(map[string]string, len(customers))
	for i, c := range customers {
		if c.ID == "" {
			results[i].Err = errors.New("customer id is empty")
			return results, fmt.Errorf("upsert customer %d: %w", i, results[i].Err)
		}
		owner, ok := staged[c.BusinessKey]
		if !ok {
			owner, ok = m.byBusinessKey[c.BusinessKey]
		}
		if ok && owner != c.ID {
			results[i].Err = ErrBusinessKeyConflict
			return results, fmt.Errorf("upsert customer %s: %w", c.ID, ErrBusinessKeyConflict)
		}
		staged[c.BusinessKey] = c.ID
	}

	for i, c := range customers {
		prev, exists := m.customers[c.ID]
		if exists {
			if prev.BusinessKey != c.BusinessKey && m.byBusinessKey[prev.BusinessKey] == c.ID {
				delete(m.byBusinessKey, prev.BusinessKey)
			}
		} else {
			m.customerOrder = append(m.customerOrder, c.ID)
		}
		m.customers[c.ID] = c
		m.byBusinessKey[c.BusinessKey] = c.ID
		results[i].Created = !exists
	}
	return results, nil
}

// UpsertOffers implements core.Repository. Every offer must reference a
// stored customer.
func (m *Memory) UpsertOffers(ctx context.Context, offers []core.CanonicalOffer) ([]core.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]core.UpsertResult, len(offers))
	for i, o := range offers {
		results[i].ID = o.ID
	}

	if err := m.failure(OpUpsertOffers); err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}

	staged := make(map[offerKey]string, len(offers))
	for i, o := range offers {
		if o.ID == "" {
			results[i].Err = errors.New("offer id is empty")
			return results, fmt.Errorf("upsert offer %d: %w", i, results[i].Err)
		}
		if _, ok := m.customers[o.CustomerID]; !ok {
			results[i].Err = ErrUnknownCustomer
			return results, fmt.Errorf("upsert offer %s: %w", o.ID, ErrUnknownCustomer)
		}
		key := offerKey{o.Partition, o.DedupKey}
		owner, ok := staged[key]
		if !ok {
			owner, ok = m.byOfferKey[key]
		}
		if ok && owner != o.ID {
			results[i].Err = ErrOfferKeyConflict
			return results, fmt.Errorf("upsert offer %s: %w", o.ID, ErrOfferKeyConflict)
		}
		staged[key] = o.ID
	}

	for i, o := range offers {
		prev, exists := m.offers[o.ID]
		if exists {
			old := offerKey{prev.Partition, prev.DedupKey}
			if old != (offerKey{o.Partition, o.DedupKey}) && m.byOfferKey[old] == o.ID {
				delete(m.byOfferKey, old)
			}
		} else {
			m.offerOrder = append(m.offerOrder, o.ID)
		}
		m.offers[o.ID] = o
		m.byOfferKey[offerKey{o.Partition, o.DedupKey}] = o.ID
		results[i].Created = !exists
	}
	return results, nil
}

// ----------------------------------------------------------------------------
// Audit
// ----------------------------------------------------------------------------

// Append implements core.AuditSink.
func (m *Memory) Append(ctx context.Context, event core.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(OpAppend); err != nil {
		return err
	}
	if event.Detail != nil {
		detail := make(map[string]any, len(event.Detail))
		for k, v := range event.Detail {
			detail[k] = v
		}
		event.Detail = detail
	}
	m.audit = append(m.audit, event)
	return nil
}

// ListAuditEvents implements core.AuditReader. Events come back newest first;
// events with the same timestamp keep reverse append order.
func (m *Memory) ListAuditEvents(ctx context.Context, filter core.AuditFilter) ([]core.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpListAuditEvents); err != nil {
		return nil, err
	}

	var matched []core.AuditEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		if filter.Matches(m.audit[i]) {
			matched = append(matched, m.audit[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []core.AuditEvent{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	if matched == nil {
		matched = []core.AuditEvent{}
	}
	return matched, nil
}

// ----------------------------------------------------------------------------
// Snapshots
// ----------------------------------------------------------------------------

// Customers returns every stored customer in insertion order.
func (m *Memory) Customers() []core.CanonicalCustomer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.CanonicalCustomer, 0, len(m.customerOrder))
	for _, id := range m.customerOrder {
		out = append(out, m.customers[id])
	}
	return out
}

// Offers returns every stored offer in insertion order.
func (m *Memory) Offers() []core.CanonicalOffer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.CanonicalOffer, 0, len(m.offerOrder))
	for _, id := range m.offerOrder {
		out = append(out, m.offers[id])
	}
	return out
}

// AuditEvents returns the audit trail in append order.
func (m *Memory) AuditEvents() []core.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.AuditEvent, len(m.audit))
	copy(out, m.audit)
	return out
}

var _ core.Store = (*Memory)(nil)
