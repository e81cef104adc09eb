package core

import (
	"context"
	"time"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	ActionValidationSkipped AuditAction = "validation_skipped"
	ActionBatchDuplicate    AuditAction = "batch_duplicate"
	ActionOrphanOffer       AuditAction = "orphan_offer"
	ActionCustomerCreated   AuditAction = "customer_created"
	ActionCustomerUpdated   AuditAction = "customer_updated"
	ActionOfferCreated      AuditAction = "offer_created"
	ActionOfferUpdated      AuditAction = "offer_updated"
	ActionRunCompleted      AuditAction = "run_completed"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow    AuditSeverity = "low"
	SeverityMedium AuditSeverity = "medium"
	SeverityHigh   AuditSeverity = "high"
)

// AuditEvent is one immutable entry of the audit trail.
type AuditEvent struct {
	ID          string         `json:"id"`
	RunID       string         `json:"runId"`
	Actor       string         `json:"actor"`
	Action      AuditAction    `json:"action"`
	Severity    AuditSeverity  `json:"severity"`
	SubjectType EntityKind     `json:"subjectType,omitempty"`
	SubjectID   string         `json:"subjectId,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// AuditSink is the append-only destination of audit events.
type AuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
}

// AuditFilter contains filtering options for querying audit events.
type AuditFilter struct {
	RunID     string
	Action    AuditAction
	SubjectID string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// DefaultAuditLimit caps audit queries that do not set a limit.
const DefaultAuditLimit = 100

// AuditReader lists audit events newest first.
type AuditReader interface {
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// Matches reports whether e passes every set field of f. Pagination is not
// applied here.
func (f AuditFilter) Matches(e AuditEvent) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if !f.StartTime.IsZero() && e.CreatedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.CreatedAt.After(f.EndTime) {
		return false
	}
	return true
}

// determineSeverity returns the appropriate severity for an action.
func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionCustomerCreated, ActionOfferCreated, ActionRunCompleted:
		return SeverityHigh
	case ActionCustomerUpdated, ActionOfferUpdated:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
