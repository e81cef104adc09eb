package core

// convert.go turns the loosely typed strings of upstream records into values.
//
// Upstream systems are inconsistent about formatting:
//   - Multiple date formats (US, EU, ISO, RFC 3339 timestamps)
//   - Currency symbols and thousand separators in amounts
//   - Spreadsheet artifacts (="value", stray quotes, BOM)
//   - Phone numbers with spaces, dashes and country prefixes
//
// Parse* functions report ok=false for empty or malformed input rather than
// returning an error; the validator decides what a bad value means.

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

var (
	timestampLayouts = []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02T15:04:05", "2006-01-02 15:04:05",
	}
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// CleanCell removes common export artifacts from a value:
//   - Trims whitespace and a leading BOM
//   - Removes spreadsheet formula prefix (="...")
//   - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// ParseAmount converts a string to a float64.
// Handles currency symbols, thousands separators, and accounting format
// (parentheses for negative).
func ParseAmount(s string) (float64, bool) {
	s = CleanCell(s)
	if s == "" {
		return 0, false
	}

	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.TrimPrefix(s, "Rs.")
	s = strings.NewReplacer(
		"$", "",
		"\u20ac", "", // Euro
		"\u00a3", "", // Pound
		"\u20b9", "", // Rupee
		",", "",
	).Replace(s)
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ParseDate converts a string to a time.
// dateOnly is true when the input carried no time of day, in which case the
// returned time is midnight UTC of that date. Two-digit years are resolved
// against asOf, never the wall clock.
func ParseDate(s string, asOf time.Time) (t time.Time, dateOnly bool, ok bool) {
	s = CleanCell(s)
	if s == "" {
		return time.Time{}, false, false
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, false, true
		}
	}

	// 4-digit year layouts first (unambiguous)
	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true, true
		}
	}

	pivotYear := asOf.Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true, true
		}
	}

	return time.Time{}, false, false
}

// EndOfDay returns the last representable instant of t's calendar day.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location()).Add(-time.Nanosecond)
}

// NormalizeMobile keeps only the digits of a phone number.
// A leading "00" international prefix is dropped.
func NormalizeMobile(s string) string {
	var b strings.Builder
	for _, r := range CleanCell(s) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimPrefix(b.String(), "00")
}

// NormalizePAN upper-cases a tax id and strips whitespace.
func NormalizePAN(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(CleanCell(s)), ""))
}

// NormalizeEmail lower-cases an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(CleanCell(s))
}

// ParseProductType matches an offer type ignoring case and punctuation,
// so "topup", "TOP_UP" and "Top-up" all resolve to ProductTopUp.
func ParseProductType(s string) (ProductType, bool) {
	key := productKey(s)
	if key == "" {
		return "", false
	}
	for _, p := range ProductTypes {
		if productKey(string(p)) == key {
			return p, true
		}
	}
	return "", false
}

func productKey(s string) string {
	var b strings.Builder
	for _, r := range CleanCell(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
