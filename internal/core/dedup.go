package core

// dedup.go decides which mapped entities survive a run and which persisted
// identifier each survivor is written under.
//
// # Tie-break
//
// Every collapse is first-seen wins: candidates are visited in source batch
// order and the earliest candidate holding a key is kept. Later candidates
// with the same key are dropped as batch duplicates. Given the same input
// order the outcome is always the same.
//
// # Customers
//
// Pass 1 collapses the batch by business key. Pass 2 asks the repository,
// in one call, which surviving keys already exist; matches take over the
// persisted id and become updates, misses stay new.
//
// # Offers
//
// Offers are first rebound to the id their customer resolved to. An offer
// whose customer is not in the batch is attached to the persisted customer
// with the same id when one exists, and is an orphan otherwise. Offers are
// then split into the Top-up partition and the standard partition, and only
// then compared, so a Top-up offer is never a duplicate of any other product.
// Each partition is collapsed by dedup key and checked against the
// repository on its own.

import (
	"context"
	"fmt"
	"slices"
)

// CustomerCandidate is a mapped customer and its position in the batch.
type CustomerCandidate struct {
	Index    int
	Customer CanonicalCustomer
}

// OfferCandidate is a mapped offer and its position in the batch.
type OfferCandidate struct {
	Index int
	Offer CanonicalOffer
}

// Duplicate is a candidate dropped by dedup.
type Duplicate struct {
	Entity   EntityKind
	Index    int
	SourceID string
	ID       string // id the dropped candidate mapped to
	KeptID   string // id of the surviving representative
	Reason   string
}

// CustomerDedup is the outcome of customer dedup.
type CustomerDedup struct {
	Survivors  []CustomerCandidate // ids resolved, batch order
	Matched    map[string]bool     // survivor ids already in the live book
	Duplicates []Duplicate

	resolve map[string]string // provisional id -> resolved id
}

// Resolve returns the id a customer mapped to provisionalID will be stored
// under. ok is false when no accepted customer carries that id.
func (d CustomerDedup) Resolve(provisionalID string) (string, bool) {
	id, ok := d.resolve[provisionalID]
	return id, ok
}

// OfferDedup is the outcome of offer dedup.
type OfferDedup struct {
	Survivors  []OfferCandidate // rebound, ids resolved, batch order
	Matched    map[string]bool  // survivor ids already in the live book
	Duplicates []Duplicate
	Orphans    []OfferCandidate // customer neither accepted in this batch nor persisted
}

// Deduplicator collapses duplicates within a batch and against the
// repository's live book.
type Deduplicator struct {
	repo Repository
}

// NewDeduplicator creates a deduplicator backed by repo.
func NewDeduplicator(repo Repository) *Deduplicator {
	return &Deduplicator{repo: repo}
}

// Customers runs both customer passes. A non-nil error is always a
// *DeduplicationError caused by the existence check.
func (d *Deduplicator) Customers(ctx context.Context, candidates []CustomerCandidate) (CustomerDedup, error) {
	out := CustomerDedup{
		Matched: make(map[string]bool),
		resolve: make(map[string]string, len(candidates)),
	}

	// Pass 1: intra-batch.
	byKey := make(map[string]int)
	byID := make(map[string]int)
	var survivors []CustomerCandidate

	for _, cand := range candidates {
		c := cand.Customer
		if pos, ok := byKey[c.BusinessKey]; ok {
			kept := survivors[pos]
			out.Duplicates = append(out.Duplicates, customerDuplicate(cand, kept,
				fmt.Sprintf("business key %s already seen at index %d", c.BusinessKey, kept.Index)))
			if _, seen := out.resolve[c.ID]; !seen {
				out.resolve[c.ID] = kept.Customer.ID
			}
			continue
		}
		if pos, ok := byID[c.ID]; ok {
			kept := survivors[pos]
			out.Duplicates = append(out.Duplicates, customerDuplicate(cand, kept,
				fmt.Sprintf("source id %s already seen at index %d", c.SourceID, kept.Index)))
			continue
		}

		byKey[c.BusinessKey] = len(survivors)
		byID[c.ID] = len(survivors)
		out.resolve[c.ID] = c.ID
		survivors = append(survivors, cand)
	}

	if len(survivors) == 0 {
		return out, nil
	}

	// Pass 2: live book.
	keys := make([]string, len(survivors))
	for i, s := range survivors {
		keys[i] = s.Customer.BusinessKey
	}
	existing, err := d.repo.ExistsByBusinessKey(ctx, keys)
	if err != nil {
		return CustomerDedup{}, &DeduplicationError{Entity: EntityCustomer, Keys: len(keys), Err: err}
	}

	remap := make(map[string]string, len(survivors))
	claimed := make(map[string]int, len(survivors))

	for _, s := range survivors {
		c := s.Customer
		resolved := c.ID
		id, found := existing[c.BusinessKey]
		if found && id != "" {
			resolved = id
		}

		// A profile whose contact changed can resolve to the same row as
		// another survivor holding its old key; the first one keeps it.
		if pos, ok := claimed[resolved]; ok {
			kept := out.Survivors[pos]
			out.Duplicates = append(out.Duplicates, customerDuplicate(s, kept,
				fmt.Sprintf("resolves to the same profile as index %d", kept.Index)))
			remap[c.ID] = resolved
			continue
		}

		if found {
			out.Matched[resolved] = true
		}

		remap[c.ID] = resolved
		s.Customer.ID = resolved
		claimed[resolved] = len(out.Survivors)
		out.Survivors = append(out.Survivors, s)
	}

	for provisional, rep := range out.resolve {
		if id, ok := remap[rep]; ok {
			out.resolve[provisional] = id
		}
	}
	slices.SortFunc(out.Duplicates, func(a, b Duplicate) int { return a.Index - b.Index })

	return out, nil
}

// Offers rebinds, partitions and collapses offers. A non-nil error is always
// a *DeduplicationError caused by an existence check.
func (d *Deduplicator) Offers(ctx context.Context, candidates []OfferCandidate, customers CustomerDedup) (OfferDedup, error) {
	out := OfferDedup{Matched: make(map[string]bool)}

	persisted, err := d.persistedCustomers(ctx, candidates, customers)
	if err != nil {
		return OfferDedup{}, err
	}

	partitions := map[OfferPartition][]OfferCandidate{}
	for _, cand := range candidates {
		customerID, ok := customers.Resolve(cand.Offer.CustomerID)
		if !ok {
			if !persisted[cand.Offer.CustomerID] {
				out.Orphans = append(out.Orphans, cand)
				continue
			}
			customerID = cand.Offer.CustomerID
		}
		cand.Offer = RebindOffer(cand.Offer, customerID)
		p := cand.Offer.Partition
		partitions[p] = append(partitions[p], cand)
	}

	for _, p := range []OfferPartition{PartitionTopUp, PartitionStandard} {
		if err := d.collapseOffers(ctx, p, partitions[p], &out); err != nil {
			return OfferDedup{}, err
		}
	}

	slices.SortFunc(out.Survivors, func(a, b OfferCandidate) int { return a.Index - b.Index })
	slices.SortFunc(out.Duplicates, func(a, b Duplicate) int { return a.Index - b.Index })

	return out, nil
}

// persistedCustomers looks up, in one call, the customers that offers refer
// to but that were not accepted in this batch.
func (d *Deduplicator) persistedCustomers(ctx context.Context, candidates []OfferCandidate, customers CustomerDedup) (map[string]bool, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, cand := range candidates {
		id := cand.Offer.CustomerID
		if _, ok := customers.Resolve(id); ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	found, err := d.repo.ExistingCustomers(ctx, ids)
	if err != nil {
		return nil, &DeduplicationError{Entity: EntityCustomer, Keys: len(ids), Err: err}
	}
	return found, nil
}

// collapseOffers dedups a single partition. Candidates from other partitions
// are never visible here.
func (d *Deduplicator) collapseOffers(ctx context.Context, partition OfferPartition, candidates []OfferCandidate, out *OfferDedup) error {
	if len(candidates) == 0 {
		return nil
	}

	byKey := make(map[string]int)
	byID := make(map[string]int)
	var survivors []OfferCandidate

	for _, cand := range candidates {
		o := cand.Offer
		if pos, ok := byKey[o.DedupKey]; ok {
			kept := survivors[pos]
			out.Duplicates = append(out.Duplicates, offerDuplicate(cand, kept,
				fmt.Sprintf("%s offer %s already seen at index %d", partition, o.DedupKey, kept.Index)))
			continue
		}
		if pos, ok := byID[o.ID]; ok {
			kept := survivors[pos]
			out.Duplicates = append(out.Duplicates, offerDuplicate(cand, kept,
				fmt.Sprintf("source offer id %s already seen at index %d", o.SourceID, kept.Index)))
			continue
		}
		byKey[o.DedupKey] = len(survivors)
		byID[o.ID] = len(survivors)
		survivors = append(survivors, cand)
	}

	keys := make([]string, len(survivors))
	for i, s := range survivors {
		keys[i] = s.Offer.DedupKey
	}
	existing, err := d.repo.ExistingOffers(ctx, partition, keys)
	if err != nil {
		return &DeduplicationError{Entity: EntityOffer, Keys: len(keys), Err: err}
	}

	claimed := make(map[string]OfferCandidate, len(survivors))
	for _, s := range survivors {
		id, ok := existing[s.Offer.DedupKey]
		if ok && id != "" {
			s.Offer.ID = id
		}
		if kept, dup := claimed[s.Offer.ID]; dup {
			out.Duplicates = append(out.Duplicates, offerDuplicate(s, kept,
				fmt.Sprintf("resolves to the same offer as index %d", kept.Index)))
			continue
		}
		if ok {
			out.Matched[s.Offer.ID] = true
		}
		claimed[s.Offer.ID] = s
		out.Survivors = append(out.Survivors, s)
	}

	return nil
}

func customerDuplicate(dropped, kept CustomerCandidate, reason string) Duplicate {
	return Duplicate{
		Entity:   EntityCustomer,
		Index:    dropped.Index,
		SourceID: dropped.Customer.SourceID,
		ID:       dropped.Customer.ID,
		KeptID:   kept.Customer.ID,
		Reason:   reason,
	}
}

func offerDuplicate(dropped, kept OfferCandidate, reason string) Duplicate {
	return Duplicate{
		Entity:   EntityOffer,
		Index:    dropped.Index,
		SourceID: dropped.Offer.SourceID,
		ID:       dropped.Offer.ID,
		KeptID:   kept.Offer.ID,
		Reason:   reason,
	}
}
