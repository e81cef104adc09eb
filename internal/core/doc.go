// Package core provides the business logic of customer and loan-offer
// ingestion.
//
// This package is the heart of the customer data platform, containing all
// domain logic independent of any storage or transport layer. It can be used
// by the HTTP API, the CLI, the scheduled poller or tests without
// modification.
//
// # Architecture
//
// A run moves one [Batch] through a fixed state machine:
//
//	fetch -> validate -> map -> dedup -> persist -> report -> completed
//	                                                       \-> aborted
//
//   - Validation: [Validator] checks each raw record and returns a
//     [ValidationResult]; it never panics and never mutates input.
//   - Mapping: [ToCustomer] and [ToOffer] derive deterministic UUIDv5 ids, so
//     a re-delivered batch maps to the same identifiers.
//   - Dedup: [Deduplicator] collapses customers by business key and offers by
//     dedup key inside their product partition, first-seen wins.
//   - Persistence: customers are upserted before offers through a
//     [Repository]; each call is all-or-nothing.
//   - Audit: every skip, every write and the run summary become [AuditEvent]
//     values appended to an [AuditSink].
//
// Validation and mapping run on a bounded worker pool. Dedup and persistence
// are serial within a run; [Service] keeps runs against one store from
// overlapping.
//
// # Error Handling
//
// Record problems never abort a run. They become [SkippedRecord] entries and
// audit events. Batch-level failures abort the run and come back as typed
// errors together with the partial [IngestionResult]:
//
//   - [CriticalFetchError]: no batch could be obtained
//   - [DeduplicationError]: the live-book existence check failed
//   - [PersistenceError]: the repository rejected an upsert
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// category has a code for support reference:
//
//   - RUN001-RUN003: Run slot, cancellation and timeout
//   - REQ001-REQ003: Request body problems
//   - ING001-ING003: Fetch, dedup and persistence aborts
//   - DB001-DB007: Database errors (duplicates, constraints, connections)
//   - VAL001-VAL006: Validation errors
//
// # Audit Severity
//
//   - Low: Skipped records
//   - Medium: Updates of existing customers and offers
//   - High: Created customers and offers, completed runs
package core
