package core

import (
	"errors"
	"fmt"
	"strings"
)

// CriticalFetchError means no batch could be obtained. The run aborts before
// any record is processed.
type CriticalFetchError struct {
	Source string
	Err    error
}

func (e *CriticalFetchError) Error() string {
	return fmt.Sprintf("fetch batch from %q: %v", e.Source, e.Err)
}

func (e *CriticalFetchError) Unwrap() error { return e.Err }

// DeduplicationError is raised when dedup cannot decide, which only happens
// when the live-book existence check itself fails. Finding a duplicate is not
// an error.
type DeduplicationError struct {
	Entity EntityKind
	Keys   int // number of keys in the failed lookup
	Err    error
}

func (e *DeduplicationError) Error() string {
	return fmt.Sprintf("dedup %s: existence check for %d keys: %v", e.Entity, e.Keys, e.Err)
}

func (e *DeduplicationError) Unwrap() error { return e.Err }

// PersistenceError is a batch-level failure talking to the repository.
// FailedIDs names the entities the repository reported as failing.
type PersistenceError struct {
	Op        string // "exists", "upsert"
	Entity    EntityKind
	FailedIDs []string
	Err       error
}

func (e *PersistenceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "persist %s (%s)", e.Entity, e.Op)
	if n := len(e.FailedIDs); n > 0 {
		if n > 5 {
			fmt.Fprintf(&b, " failed ids %s and %d more", strings.Join(e.FailedIDs[:5], ", "), n-5)
		} else {
			fmt.Fprintf(&b, " failed ids %s", strings.Join(e.FailedIDs, ", "))
		}
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrEmptyBatch is returned when a batch carries neither customers nor offers.
var ErrEmptyBatch = errors.New("batch contains no records")

// ErrBatchTooLarge is returned when a batch exceeds the configured record limit.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// IsCritical reports whether err aborts a run rather than skipping a record.
func IsCritical(err error) bool {
	var fetchErr *CriticalFetchError
	var persistErr *PersistenceError
	return errors.As(err, &fetchErr) || errors.As(err, &persistErr)
}
