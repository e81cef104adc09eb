package core

// validation.go provides record-level validation before mapping.
//
// Validation never mutates its input and never panics. Each check appends a
// ValidationError; the first one decides the ErrorKind reported for the
// record. The orchestrator turns an invalid result into one skip and one
// validation_skipped audit event, then moves on to the next record.

import (
	"fmt"
	"strings"
	"time"
)

// MaxOfferAmount is the exclusive upper bound of an offer amount. Amounts are
// stored as NUMERIC(18,2).
const MaxOfferAmount = 1e16

// ErrorKind classifies why a record was rejected.
type ErrorKind string

const (
	KindMissingField     ErrorKind = "missing_field"
	KindMissingContact   ErrorKind = "missing_contact"
	KindInvalidEmail     ErrorKind = "invalid_email"
	KindInvalidMobile    ErrorKind = "invalid_mobile"
	KindUnknownOfferType ErrorKind = "unknown_offer_type"
	KindInvalidAmount    ErrorKind = "invalid_amount"
	KindInvalidDate      ErrorKind = "invalid_date"
	KindExpired          ErrorKind = "expired"
)

// ValidationError represents a single validation error for a field.
type ValidationError struct {
	Kind    ErrorKind
	Field   string // Field name
	Value   string // The invalid value
	Message string // Human-readable error message
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ValidationResult contains the result of validating a record.
type ValidationResult struct {
	Valid  bool              // True if all validations passed
	Kind   ErrorKind         // Kind of the first error (empty if Valid)
	Errors []ValidationError // List of validation errors (empty if Valid)
}

func (r *ValidationResult) add(kind ErrorKind, field, value, msg string) {
	if r.Valid {
		r.Valid = false
		r.Kind = kind
	}
	r.Errors = append(r.Errors, ValidationError{Kind: kind, Field: field, Value: value, Message: msg})
}

// Reason joins every error into one line for audit details and logs.
func (r ValidationResult) Reason() string {
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Err returns the first validation error, or nil if the record is valid.
func (r ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Validator checks raw records. Expiry dates are judged against asOf, the
// ingestion time of the run.
type Validator struct {
	asOf time.Time
}

// NewValidator creates a validator that judges expiry relative to asOf.
func NewValidator(asOf time.Time) *Validator {
	return &Validator{asOf: asOf}
}

// ValidateCustomer checks identity fields and contact formats.
func (v *Validator) ValidateCustomer(raw RawCustomerRecord) ValidationResult {
	result := ValidationResult{Valid: true}

	requireText(&result, "source_id", raw.SourceID)
	requireText(&result, "first_name", raw.FirstName)
	requireText(&result, "last_name", raw.LastName)

	mobile := CleanCell(raw.Mobile)
	email := CleanCell(raw.Email)
	pan := CleanCell(raw.PAN)

	if mobile == "" && email == "" && pan == "" {
		result.add(KindMissingContact, "", "", "at least one of mobile, email or pan is required")
		return result
	}

	if mobile != "" && NormalizeMobile(mobile) == "" {
		result.add(KindInvalidMobile, "mobile", mobile, "must contain digits")
	}
	if email != "" && !validEmail(email) {
		result.add(KindInvalidEmail, "email", email, "malformed email address")
	}

	return result
}

// ValidateOffer checks the product type, amount and validity window.
func (v *Validator) ValidateOffer(raw RawOfferRecord) ValidationResult {
	result := ValidationResult{Valid: true}

	requireText(&result, "customer_ref", raw.CustomerRef)

	if _, ok := ParseProductType(raw.OfferType); !ok {
		result.add(KindUnknownOfferType, "offer_type", raw.OfferType,
			fmt.Sprintf("value must be one of: %s", productTypeList()))
	}

	if CleanCell(raw.Amount) == "" {
		result.add(KindInvalidAmount, "amount", "", "required field is empty")
	} else if amount, ok := ParseAmount(raw.Amount); !ok {
		result.add(KindInvalidAmount, "amount", raw.Amount, "invalid number format")
	} else if amount <= 0 {
		result.add(KindInvalidAmount, "amount", raw.Amount, "must be greater than zero")
	} else if amount >= MaxOfferAmount {
		result.add(KindInvalidAmount, "amount", raw.Amount, "exceeds the maximum offer amount")
	}

	var from time.Time
	if CleanCell(raw.ValidFrom) != "" {
		t, _, ok := ParseDate(raw.ValidFrom, v.asOf)
		if !ok {
			result.add(KindInvalidDate, "valid_from", raw.ValidFrom, "invalid date format (use YYYY-MM-DD or RFC 3339)")
		}
		from = t
	}

	if CleanCell(raw.ExpiryDate) == "" {
		result.add(KindInvalidDate, "expiry_date", "", "required field is empty")
	} else if until, ok := expiryInstant(raw.ExpiryDate, v.asOf); !ok {
		result.add(KindInvalidDate, "expiry_date", raw.ExpiryDate, "invalid date format (use YYYY-MM-DD or RFC 3339)")
	} else if !from.IsZero() && from.After(until) {
		result.add(KindInvalidDate, "valid_from", raw.ValidFrom, "must not be after expiry_date")
	} else if until.Before(v.asOf) {
		result.add(KindExpired, "expiry_date", raw.ExpiryDate, "offer already expired")
	}

	return result
}

// expiryInstant returns the last instant an offer is valid. A date without a
// time of day is valid through the end of that day.
func expiryInstant(s string, asOf time.Time) (time.Time, bool) {
	t, dateOnly, ok := ParseDate(s, asOf)
	if !ok {
		return time.Time{}, false
	}
	if dateOnly {
		t = EndOfDay(t)
	}
	return t, true
}

func requireText(r *ValidationResult, field, value string) {
	if CleanCell(value) == "" {
		r.add(KindMissingField, field, "", "required field is empty")
	}
}

// validEmail requires a non-empty local part, an @ and a dot inside the
// domain part that is neither its first nor last character.
func validEmail(s string) bool {
	if strings.ContainsAny(s, " \t") || strings.Count(s, "@") != 1 {
		return false
	}
	local, domain, _ := strings.Cut(s, "@")
	if local == "" {
		return false
	}
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

func productTypeList() string {
	names := make([]string, len(ProductTypes))
	for i, p := range ProductTypes {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
