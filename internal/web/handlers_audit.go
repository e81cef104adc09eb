package web

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/JonMunkholm/cdp/internal/core"
)

// AuditLogResponse is the body of GET /api/audit.
type AuditLogResponse struct {
	Events []core.AuditEvent `json:"events"`
	Count  int               `json:"count"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// handleAuditLog lists audit events, newest first.
//
// Query parameters: run, action, subject, from, to (RFC 3339 or YYYY-MM-DD),
// limit, offset.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	filter.Limit = parseIntParam(r, "limit", core.DefaultAuditLimit)
	filter.Offset = parseIntParam(r, "offset", 0)
	if filter.Limit > MaxAuditPageSize {
		filter.Limit = MaxAuditPageSize
	}

	events, err := s.service.AuditLog(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, AuditLogResponse{
		Events: events,
		Count:  len(events),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// auditCSVHeader is the first row of an audit export.
var auditCSVHeader = []string{
	"ID", "Timestamp", "Run ID", "Actor", "Action", "Severity",
	"Subject Type", "Subject ID", "Detail",
}

// handleAuditExport streams every matching audit event as CSV, newest first.
// Takes the same filters as handleAuditLog; limit and offset are ignored.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	filter.Limit = MaxAuditPageSize

	// Fetch the first page before committing to a CSV response, so a store
	// failure can still be reported as JSON.
	page, err := s.service.AuditLog(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("audit_log_%s.csv", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(auditCSVHeader); err != nil {
		return
	}

	rows := 0
	for {
		for _, e := range page {
			if err := csvWriter.Write(auditRecord(e)); err != nil {
				slog.Warn("audit export aborted", "error", err, "rows", rows)
				return
			}
			rows++
		}

		// Flush each page for chunked transfer.
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			slog.Warn("audit export aborted", "error", err, "rows", rows)
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		if len(page) < filter.Limit {
			return
		}
		filter.Offset += len(page)
		if page, err = s.service.AuditLog(r.Context(), filter); err != nil {
			// Headers are out; all that is left is to log and stop.
			slog.Error("audit export failed", "error", err, "rows", rows)
			return
		}
	}
}

func auditRecord(e core.AuditEvent) []string {
	detail := ""
	if len(e.Detail) > 0 {
		if b, err := json.Marshal(e.Detail); err == nil {
			detail = string(b)
		}
	}
	return []string{
		e.ID,
		e.CreatedAt.UTC().Format(time.RFC3339),
		e.RunID,
		e.Actor,
		string(e.Action),
		string(e.Severity),
		string(e.SubjectType),
		e.SubjectID,
		detail,
	}
}
