package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/cdp/internal/core"
)

// schemaSQL is embedded so the service can bootstrap its own schema.
//
//go:embed schema.sql
var schemaSQL string

// Postgres is the durable core.Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping is used by the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// ----------------------------------------------------------------------------
// Repository
// ----------------------------------------------------------------------------

// ExistsByBusinessKey implements core.Repository.
func (p *Postgres) ExistsByBusinessKey(ctx context.Context, keys []string) (map[string]string, error) {
	found := make(map[string]string)
	if len(keys) == 0 {
		return found, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT business_key, id::text FROM customers WHERE business_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("query customers by business key: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		found[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customers: %w", err)
	}
	return found, nil
}

// ExistingOffers implements core.Repository.
func (p *Postgres) ExistingOffers(ctx context.Context, partition core.OfferPartition, keys []string) (map[string]string, error) {
	found := make(map[string]string)
	if len(keys) == 0 {
		return found, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT dedup_key, id::text FROM offers WHERE partition = $1 AND dedup_key = ANY($2)`,
		string(partition), keys)
	if err != nil {
		return nil, fmt.Errorf("query offers by dedup key: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		found[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offers: %w", err)
	}
	return found, nil
}

// ExistingCustomers implements core.Repository. Ids that are not UUIDs
// cannot be stored and are reported missing.
func (p *Postgres) ExistingCustomers(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)

	pgIDs := make([]pgtype.UUID, 0, len(ids))
	for _, id := range ids {
		if u, err := toPgUUID(id); err == nil {
			pgIDs = append(pgIDs, u)
		}
	}
	if len(pgIDs) == 0 {
		return found, nil
	}

	rows, err := p.pool.Query(ctx, `SELECT id::text FROM customers WHERE id = ANY($1)`, pgIDs)
	if err != nil {
		return nil, fmt.Errorf("query customers by id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan customer id: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customer ids: %w", err)
	}
	return found, nil
}

const upsertCustomerSQL = `
INSERT INTO customers (id, source_system, source_id, first_name, last_name, mobile, email, pan, business_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    source_system = EXCLUDED.source_system,
    source_id     = EXCLUDED.source_id,
    first_name    = EXCLUDED.first_name,
    last_name     = EXCLUDED.last_name,
    mobile        = EXCLUDED.mobile,
    email         = EXCLUDED.email,
    pan           = EXCLUDED.pan,
    business_key  = EXCLUDED.business_key,
    updated_at    = now()
RETURNING (xmax = 0)`

// UpsertCustomers implements core.Repository. All rows are written in one
// transaction.
func (p *Postgres) UpsertCustomers(ctx context.Context, customers []core.CanonicalCustomer) ([]core.UpsertResult, error) {
	results := make([]core.UpsertResult, len(customers))
	for i, c := range customers {
		results[i].ID = c.ID
	}
	if len(customers) == 0 {
		return results, nil
	}

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		for i, c := range customers {
			id, err := toPgUUID(c.ID)
			if err != nil {
				results[i].Err = err
				return fmt.Errorf("upsert customer %s: %w", c.ID, err)
			}

			var created bool
			err = tx.QueryRow(ctx, upsertCustomerSQL,
				id, c.SourceSystem, c.SourceID, c.FirstName, c.LastName,
				toPgText(c.Mobile), toPgText(c.Email), toPgText(c.PAN), c.BusinessKey,
			).Scan(&created)
			if err != nil {
				results[i].Err = err
				return fmt.Errorf("upsert customer %s: %w", c.ID, describePgError(err))
			}
			results[i].Created = created
		}
		return nil
	})
	if err != nil {
		clearCreated(results)
		return results, err
	}
	return results, nil
}

const upsertOfferSQL = `
INSERT INTO offers (id, customer_id, product_type, partition, amount, campaign_ref, valid_from, valid_until, dedup_key, source_system, source_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    customer_id   = EXCLUDED.customer_id,
    product_type  = EXCLUDED.product_type,
    partition     = EXCLUDED.partition,
    amount        = EXCLUDED.amount,
    campaign_ref  = EXCLUDED.campaign_ref,
    valid_from    = EXCLUDED.valid_from,
    valid_until   = EXCLUDED.valid_until,
    dedup_key     = EXCLUDED.dedup_key,
    source_system = EXCLUDED.source_system,
    source_id     = EXCLUDED.source_id,
    updated_at    = now()
RETURNING (xmax = 0)`

// UpsertOffers implements core.Repository. All rows are written in one
// transaction.
func (p *Postgres) UpsertOffers(ctx context.Context, offers []core.CanonicalOffer) ([]core.UpsertResult, error) {
	results := make([]core.UpsertResult, len(offers))
	for i, o := range offers {
		results[i].ID = o.ID
	}
	if len(offers) == 0 {
		return results, nil
	}

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		for i, o := range offers {
			id, err := toPgUUID(o.ID)
			if err != nil {
				results[i].Err = err
				return fmt.Errorf("upsert offer %s: %w", o.ID, err)
			}
			customerID, err := toPgUUID(o.CustomerID)
			if err != nil {
				results[i].Err = err
				return fmt.Errorf("upsert offer %s: customer: %w", o.ID, err)
			}

			var created bool
			err = tx.QueryRow(ctx, upsertOfferSQL,
				id, customerID, string(o.ProductType), string(o.Partition),
				fmt.Sprintf("%.2f", o.Amount), toPgText(o.CampaignRef),
				toPgTimestamptz(o.ValidFrom), o.ValidUntil,
				o.DedupKey, o.SourceSystem, toPgText(o.SourceID),
			).Scan(&created)
			if err != nil {
				results[i].Err = err
				return fmt.Errorf("upsert offer %s: %w", o.ID, describePgError(err))
			}
			results[i].Created = created
		}
		return nil
	})
	if err != nil {
		clearCreated(results)
		return results, err
	}
	return results, nil
}

// inTx runs fn in a transaction that commits only if fn succeeds.
func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Audit
// ----------------------------------------------------------------------------

// Append implements core.AuditSink.
func (p *Postgres) Append(ctx context.Context, event core.AuditEvent) error {
	id, err := toPgUUID(event.ID)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	var detail []byte
	if event.Detail != nil {
		if detail, err = json.Marshal(event.Detail); err != nil {
			return fmt.Errorf("append audit event: marshal detail: %w", err)
		}
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO audit_events (id, run_id, actor, action, severity, subject_type, subject_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, event.RunID, event.Actor, string(event.Action), string(event.Severity),
		toPgText(string(event.SubjectType)), toPgText(event.SubjectID), detail, createdAt,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents implements core.AuditReader.
func (p *Postgres) ListAuditEvents(ctx context.Context, filter core.AuditFilter) ([]core.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.RunID != "" {
		add("run_id = $%d", filter.RunID)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.SubjectID != "" {
		add("subject_id = $%d", filter.SubjectID)
	}
	if !filter.StartTime.IsZero() {
		add("created_at >= $%d", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		add("created_at <= $%d", filter.EndTime)
	}

	var q strings.Builder
	q.WriteString(`SELECT id::text, run_id, actor, action, severity, subject_type, subject_id, detail, created_at FROM audit_events`)
	if len(where) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY created_at DESC, id")

	limit := filter.Limit
	if limit <= 0 {
		limit = core.DefaultAuditLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&q, " LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&q, " OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := []core.AuditEvent{}
	for rows.Next() {
		var (
			e                      core.AuditEvent
			action, severity       string
			subjectType, subjectID pgtype.Text
			detail                 []byte
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Actor, &action, &severity,
			&subjectType, &subjectID, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Action = core.AuditAction(action)
		e.Severity = core.AuditSeverity(severity)
		e.SubjectType = core.EntityKind(subjectType.String)
		e.SubjectID = subjectID.String
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// ----------------------------------------------------------------------------
// Conversion Helpers
// ----------------------------------------------------------------------------

func toPgUUID(s string) (pgtype.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return pgtype.UUID{Bytes: u, Valid: true}, nil
}

func toPgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func toPgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// describePgError adds the violated constraint to a database error.
func describePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName != "" {
		return fmt.Errorf("%w (constraint %s)", err, pgErr.ConstraintName)
	}
	return err
}

// clearCreated resets Created flags after a rollback: nothing was written.
func clearCreated(results []core.UpsertResult) {
	for i := range results {
		results[i].Created = false
	}
}

var _ core.Store = (*Postgres)(nil)
