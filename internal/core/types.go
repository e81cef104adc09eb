package core

import (
	"context"
	"time"
)

// RawCustomerRecord is a customer row as delivered by an upstream system.
// Fields are untrusted strings until they pass validation.
type RawCustomerRecord struct {
	SourceID  string `json:"source_id" yaml:"source_id"`
	FirstName string `json:"first_name" yaml:"first_name"`
	LastName  string `json:"last_name" yaml:"last_name"`
	Mobile    string `json:"mobile,omitempty" yaml:"mobile,omitempty"`
	Email     string `json:"email,omitempty" yaml:"email,omitempty"`
	PAN       string `json:"pan,omitempty" yaml:"pan,omitempty"`
}

// RawOfferRecord is an offer row as delivered by an upstream system.
// CustomerRef is the source customer key that pairs it with a RawCustomerRecord.
type RawOfferRecord struct {
	SourceID    string `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	CustomerRef string `json:"customer_ref" yaml:"customer_ref"`
	OfferType   string `json:"offer_type" yaml:"offer_type"`
	Amount      string `json:"amount" yaml:"amount"`
	CampaignRef string `json:"campaign_ref,omitempty" yaml:"campaign_ref,omitempty"`
	ValidFrom   string `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ExpiryDate  string `json:"expiry_date" yaml:"expiry_date"`
}

// Batch is one delivery from a source adapter. Source names the upstream
// system and namespaces every identifier derived from the batch.
type Batch struct {
	Source    string              `json:"source" yaml:"source"`
	Customers []RawCustomerRecord `json:"customers" yaml:"customers"`
	Offers    []RawOfferRecord    `json:"offers" yaml:"offers"`
}

// DefaultSource is used when a batch does not name its upstream system.
const DefaultSource = "default"

// Source delivers raw batches. Delivery is at-least-once, so the same batch
// may arrive more than once.
type Source interface {
	FetchBatch(ctx context.Context) (Batch, error)
}

// CanonicalCustomer is the single customer profile persisted in the CDP.
type CanonicalCustomer struct {
	ID           string `json:"id"`
	SourceSystem string `json:"source_system"`
	SourceID     string `json:"source_id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Mobile       string `json:"mobile,omitempty"`
	Email        string `json:"email,omitempty"`
	PAN          string `json:"pan,omitempty"`
	BusinessKey  string `json:"business_key"`
}

// ProductType enumerates the loan products an offer can carry.
type ProductType string

const (
	ProductLoyalty     ProductType = "Loyalty"
	ProductPreapproved ProductType = "Preapproved"
	ProductEAggregator ProductType = "E-aggregator"
	ProductTopUp       ProductType = "Top-up"
)

// ProductTypes lists every accepted product type.
var ProductTypes = []ProductType{ProductLoyalty, ProductPreapproved, ProductEAggregator, ProductTopUp}

// OfferPartition separates offers that may never be compared with each other.
type OfferPartition string

const (
	PartitionTopUp    OfferPartition = "topup"
	PartitionStandard OfferPartition = "standard"
)

// PartitionOf returns the dedup partition for a product type.
// Top-up offers live alone; every other product shares one partition.
func PartitionOf(p ProductType) OfferPartition {
	if p == ProductTopUp {
		return PartitionTopUp
	}
	return PartitionStandard
}

// CanonicalOffer is an offer attached to exactly one CanonicalCustomer.
type CanonicalOffer struct {
	ID           string         `json:"id"`
	CustomerID   string         `json:"customer_id"`
	ProductType  ProductType    `json:"product_type"`
	Partition    OfferPartition `json:"partition"`
	Amount       float64        `json:"amount"`
	CampaignRef  string         `json:"campaign_ref,omitempty"`
	ValidFrom    time.Time      `json:"valid_from"`
	ValidUntil   time.Time      `json:"valid_until"`
	DedupKey     string         `json:"dedup_key"`
	SourceSystem string         `json:"source_system"`
	SourceID     string         `json:"source_id,omitempty"`
}

// UpsertResult reports the outcome of persisting one entity.
type UpsertResult struct {
	ID      string
	Created bool  // false when an existing row was updated
	Err     error // non-nil for the item that made the batch fail
}

// Repository is the persisted store ("live book") the pipeline writes to.
//
// Upserts are all-or-nothing per call: when an error is returned nothing from
// that call was persisted, and the results name the item(s) that failed.
type Repository interface {
	// ExistsByBusinessKey returns the persisted customer id for every key
	// that already exists. Missing keys are absent from the map.
	ExistsByBusinessKey(ctx context.Context, keys []string) (map[string]string, error)

	// ExistingOffers returns the persisted offer id for every dedup key that
	// already exists inside the given partition.
	ExistingOffers(ctx context.Context, partition OfferPartition, keys []string) (map[string]string, error)

	// ExistingCustomers reports which of the given customer ids are already
	// persisted.
	ExistingCustomers(ctx context.Context, ids []string) (map[string]bool, error)

	UpsertCustomers(ctx context.Context, customers []CanonicalCustomer) ([]UpsertResult, error)
	UpsertOffers(ctx context.Context, offers []CanonicalOffer) ([]UpsertResult, error)
}

// Stage is a state of the ingestion run state machine.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageValidate  Stage = "validate"
	StageMap       Stage = "map"
	StageDedup     Stage = "dedup"
	StagePersist   Stage = "persist"
	StageReport    Stage = "report"
	StageCompleted Stage = "completed"
	StageAborted   Stage = "aborted"
)

// EntityKind names what a skipped record was.
type EntityKind string

const (
	EntityCustomer EntityKind = "customer"
	EntityOffer    EntityKind = "offer"
)

// SkippedRecord describes one record that did not make it to the store.
type SkippedRecord struct {
	Entity   EntityKind  `json:"entity"`
	Index    int         `json:"index"` // position in the source batch
	SourceID string      `json:"source_id,omitempty"`
	Action   AuditAction `json:"action"`
	Reason   string      `json:"reason"`
}

// IngestionResult summarises one pipeline run. It is always returned, even
// when the run aborts, so callers can see what happened before the failure.
type IngestionResult struct {
	RunID       string `json:"run_id"`
	Source      string `json:"source"`
	Stage       Stage  `json:"stage"`
	FailedStage Stage  `json:"failed_stage,omitempty"` // stage that aborted the run

	CustomersIngested int `json:"customers_ingested"`
	CustomersUpdated  int `json:"customers_updated"`
	CustomersSkipped  int `json:"customers_skipped"`
	OffersIngested    int `json:"offers_ingested"`
	OffersUpdated     int `json:"offers_updated"`
	OffersSkipped     int `json:"offers_skipped"`

	Skipped   []SkippedRecord `json:"skipped,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Error     string          `json:"error,omitempty"` // non-empty if Stage is StageAborted
}

// Completed reports whether the run reached the terminal success state.
func (r IngestionResult) Completed() bool {
	return r.Stage == StageCompleted
}

func (r *IngestionResult) skip(rec SkippedRecord) {
	r.Skipped = append(r.Skipped, rec)
	switch rec.Entity {
	case EntityCustomer:
		r.CustomersSkipped++
	case EntityOffer:
		r.OffersSkipped++
	}
}
