package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/cdp/internal/core"
)

// parseIntParam parses a non-negative integer query parameter with a default.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultVal
	}
	return i
}

// parseTimeParam accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseTimeParam(val string, endOfDay bool) (time.Time, error) {
	if val == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", val)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", val)
	}
	if endOfDay {
		return core.EndOfDay(t), nil
	}
	return t, nil
}

// parseAuditFilter reads the filter shared by the audit list and export.
// Pagination is left to the caller.
func parseAuditFilter(r *http.Request) (core.AuditFilter, error) {
	q := r.URL.Query()
	filter := core.AuditFilter{
		RunID:     q.Get("run"),
		Action:    core.AuditAction(q.Get("action")),
		SubjectID: q.Get("subject"),
	}

	var err error
	if filter.StartTime, err = parseTimeParam(q.Get("from"), false); err != nil {
		return core.AuditFilter{}, fmt.Errorf("%w: from: %v", errInvalidBody, err)
	}
	if filter.EndTime, err = parseTimeParam(q.Get("to"), true); err != nil {
		return core.AuditFilter{}, fmt.Errorf("%w: to: %v", errInvalidBody, err)
	}
	return filter, nil
}
