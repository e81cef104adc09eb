package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// auditor writes the audit trail of one run. Append failures are logged with
// the whole event and never returned: the trail must not fail a run, and it
// must not lose an event silently either.
type auditor struct {
	sink   AuditSink
	runID  string
	actor  string
	now    func() time.Time
	logger *slog.Logger
}

func newAuditor(sink AuditSink, runID, actor string, now func() time.Time, logger *slog.Logger) *auditor {
	return &auditor{sink: sink, runID: runID, actor: actor, now: now, logger: logger}
}

// ----------------------------------------------------------------------------
// Typed Entries
// ----------------------------------------------------------------------------

// logSkip records a record that was dropped before persistence.
func (a *auditor) logSkip(ctx context.Context, rec SkippedRecord, subjectID string) {
	detail := map[string]any{
		"index":  rec.Index,
		"reason": rec.Reason,
	}
	if rec.SourceID != "" {
		detail["source_id"] = rec.SourceID
	}
	a.log(ctx, rec.Action, rec.Entity, subjectID, detail)
}

// logCustomer records a persisted customer.
func (a *auditor) logCustomer(ctx context.Context, c CanonicalCustomer, created bool) {
	action := ActionCustomerUpdated
	if created {
		action = ActionCustomerCreated
	}
	a.log(ctx, action, EntityCustomer, c.ID, map[string]any{
		"business_key":  c.BusinessKey,
		"source_system": c.SourceSystem,
		"source_id":     c.SourceID,
	})
}

// logOffer records a persisted offer.
func (a *auditor) logOffer(ctx context.Context, o CanonicalOffer, created bool) {
	action := ActionOfferUpdated
	if created {
		action = ActionOfferCreated
	}
	a.log(ctx, action, EntityOffer, o.ID, map[string]any{
		"customer_id":  o.CustomerID,
		"product_type": string(o.ProductType),
		"dedup_key":    o.DedupKey,
	})
}

// logRun records the summary of a completed run.
func (a *auditor) logRun(ctx context.Context, r *IngestionResult) {
	detail := map[string]any{
		"source":             r.Source,
		"customers_ingested": r.CustomersIngested,
		"customers_updated":  r.CustomersUpdated,
		"customers_skipped":  r.CustomersSkipped,
		"offers_ingested":    r.OffersIngested,
		"offers_updated":     r.OffersUpdated,
		"offers_skipped":     r.OffersSkipped,
		"duration_ms":        r.Duration.Milliseconds(),
	}
	if ip := IPAddressFromContext(ctx); ip != "" {
		detail["ip_address"] = ip
	}
	a.log(ctx, ActionRunCompleted, "", r.RunID, detail)
}

func (a *auditor) log(ctx context.Context, action AuditAction, subject EntityKind, subjectID string, detail map[string]any) {
	event := AuditEvent{
		ID:          uuid.NewString(),
		RunID:       a.runID,
		Actor:       a.actor,
		Action:      action,
		Severity:    determineSeverity(action),
		SubjectType: subject,
		SubjectID:   subjectID,
		Detail:      detail,
		CreatedAt:   a.now(),
	}

	if err := a.sink.Append(ctx, event); err != nil {
		a.logger.Warn("audit append failed",
			"error", err,
			"event_id", event.ID,
			"action", event.Action,
			"subject_type", event.SubjectType,
			"subject_id", event.SubjectID,
			"detail", event.Detail,
		)
	}
}
