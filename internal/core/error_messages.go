// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support reference.
// API clients can quote the code to support staff for faster diagnosis.
//
// Error codes are grouped by category:
//
// # Ingestion Errors (ING001-ING099)
//
//	ING001 - Fetch failed: The batch could not be fetched from its source
//	         Action: Check the source system and retry the run
//	         Matched: *CriticalFetchError
//
//	ING002 - Dedup lookup failed: Existing customers or offers could not be checked
//	         Action: Please try again in a few moments
//	         Matched: *DeduplicationError (unless a DB pattern matches its cause)
//
//	ING003 - Persistence failed: The batch could not be saved
//	         Action: No records from the failed group were saved. Retry the run
//	         Matched: *PersistenceError (unless a DB pattern matches its cause)
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Busy: An ingestion run is already in progress
//	RUN002 - Cancelled: The run was cancelled ("context canceled")
//	RUN003 - Timeout: The run took too long ("context deadline exceeded")
//
// # Request Errors (REQ001-REQ099)
//
//	REQ001 - Invalid body: The request body is not a valid batch
//	REQ002 - Too large: The batch exceeds the maximum number of records
//	REQ003 - Empty: The batch contains no records
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key          Patterns: "duplicate key"
//	DB002 - Unique constraint      Patterns: "unique constraint", "violates unique"
//	DB003 - Foreign key            Patterns: "foreign key constraint", "violates foreign key"
//	DB004 - Connection refused     Patterns: "connection refused"
//	DB005 - Connection reset       Patterns: "connection reset"
//	DB006 - Timeout                Patterns: "timeout"
//	DB007 - Deadlock               Patterns: "deadlock"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date          Patterns: "invalid date"
//	VAL002 - Invalid number        Patterns: "invalid number", "greater than zero"
//	VAL003 - Required field        Patterns: "required field", "at least one of"
//	VAL004 - Invalid email         Patterns: "malformed email"
//	VAL005 - Invalid offer type    Patterns: "value must be one of"
//	VAL006 - Expired offer         Patterns: "already expired"
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Rate limited         Patterns: "rate limit"
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Check application logs for the original
// technical error when a client reports ERR000.
//
// # Matching
//
// Typed errors are matched first with errors.Is/errors.As. Everything else is
// matched case-insensitively with strings.Contains; the first matching
// pattern wins, so specific patterns come before general ones.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgFetchFailed = UserMessage{
		Message: "The batch could not be fetched from its source",
		Action:  "Check the source system and retry the run",
		Code:    "ING001",
	}
	msgDedupFailed = UserMessage{
		Message: "Existing customers or offers could not be checked",
		Action:  "Please try again in a few moments",
		Code:    "ING002",
	}
	msgPersistFailed = UserMessage{
		Message: "The batch could not be saved",
		Action:  "No records from the failed group were saved. Retry the run",
		Code:    "ING003",
	}
	msgBusy = UserMessage{
		Message: "An ingestion run is already in progress",
		Action:  "Please wait a moment and try again",
		Code:    "RUN001",
	}
	msgCancelled = UserMessage{
		Message: "The run was cancelled",
		Action:  "Please try again",
		Code:    "RUN002",
	}
	msgTimeout = UserMessage{
		Message: "The run took too long",
		Action:  "Split the batch into smaller deliveries or try again later",
		Code:    "RUN003",
	}
	msgTooLarge = UserMessage{
		Message: "The batch exceeds the maximum number of records",
		Action:  "Split the batch into smaller deliveries",
		Code:    "REQ002",
	}
	msgEmpty = UserMessage{
		Message: "The batch contains no records",
		Action:  "Send at least one customer or offer",
		Code:    "REQ003",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
var errorPatterns = []errorPattern{
	// =========================================================================
	// Database Errors (DB001-DB007)
	// =========================================================================
	{"duplicate key", UserMessage{"A record with this ID already exists", "Retry the run; ids are derived from source keys", "DB001"}},
	{"unique constraint", UserMessage{"This value must be unique but already exists", "Check the batch for conflicting business keys", "DB002"}},
	{"violates unique", UserMessage{"A duplicate value was found", "Check the batch for conflicting business keys", "DB002"}},
	{"foreign key constraint", UserMessage{"Referenced customer does not exist", "Deliver offers together with their customers", "DB003"}},
	{"violates foreign key", UserMessage{"Referenced customer does not exist", "Deliver offers together with their customers", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller batch or try again later", "DB006"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},

	// =========================================================================
	// Request Errors (REQ001)
	// =========================================================================
	{"invalid request body", UserMessage{"The request body is not a valid batch", "Send a JSON object with source, customers and offers", "REQ001"}},

	// =========================================================================
	// Validation Errors (VAL001-VAL006)
	// =========================================================================
	{"invalid date", UserMessage{"Invalid date format detected", "Use YYYY-MM-DD or an RFC 3339 timestamp", "VAL001"}},
	{"invalid number", UserMessage{"Invalid amount format detected", "Use a plain decimal amount", "VAL002"}},
	{"greater than zero", UserMessage{"Amount must be positive", "Remove offers with zero or negative amounts", "VAL002"}},
	{"required field", UserMessage{"Required field is empty", "Ensure every required field has a value", "VAL003"}},
	{"at least one of", UserMessage{"Customer has no contact details", "Provide a mobile number, email or PAN", "VAL003"}},
	{"malformed email", UserMessage{"Invalid email address", "Use an address like name@example.com", "VAL004"}},
	{"value must be one of", UserMessage{"Unknown offer type", "Use Loyalty, Preapproved, E-aggregator or Top-up", "VAL005"}},
	{"already expired", UserMessage{"Offer has already expired", "Remove expired offers from the batch", "VAL006"}},

	// =========================================================================
	// Rate Limiting (RATE001)
	// =========================================================================
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	_, err := svc.Ingest(ctx, batch)
//	msg := MapError(err)
//	// msg.Code == "RUN001" when another run holds the slot
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	switch {
	case errors.Is(err, ErrTooManyRuns):
		return msgBusy
	case errors.Is(err, ErrBatchTooLarge):
		return msgTooLarge
	case errors.Is(err, ErrEmptyBatch):
		return msgEmpty
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	case errors.Is(err, context.Canceled):
		return msgCancelled
	}

	var fetchErr *CriticalFetchError
	if errors.As(err, &fetchErr) {
		return msgFetchFailed
	}

	var dedupErr *DeduplicationError
	if errors.As(err, &dedupErr) {
		if msg, ok := matchPattern(dedupErr.Err); ok {
			return msg
		}
		return msgDedupFailed
	}

	var persistErr *PersistenceError
	if errors.As(err, &persistErr) {
		if msg, ok := matchPattern(persistErr.Err); ok {
			return msg
		}
		return msgPersistFailed
	}

	if msg, ok := matchPattern(err); ok {
		return msg
	}
	return defaultMessage
}

func matchPattern(err error) (UserMessage, bool) {
	if err == nil {
		return UserMessage{}, false
	}
	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg, true
		}
	}
	return UserMessage{}, false
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
