package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JonMunkholm/cdp/internal/core"
	"github.com/JonMunkholm/cdp/internal/logging"
	"github.com/JonMunkholm/cdp/internal/source"
)

// MaxAuditPageSize caps the limit query parameter of the audit endpoint.
const MaxAuditPageSize = 1000

var errInvalidBody = errors.New("invalid request body")

// RunResponse is the body of POST /api/ingest. The run summary is always
// present; Failure is set when the run did not complete.
type RunResponse struct {
	*core.IngestionResult
	Failure *ErrorResponse `json:"failure,omitempty"`
}

// handleIngest runs the pipeline over a batch in the request body.
//
// The body is JSON by default; a YAML content type is parsed as YAML. The
// optional source query parameter overrides the batch's source system.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Ingest.MaxBodySize)

	data, err := io.ReadAll(source.NewReader(r.Body))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.respondError(w, r, fmt.Errorf("%w: body exceeds %d bytes", core.ErrBatchTooLarge, maxErr.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		s.respondError(w, r, fmt.Errorf("%w: %v", errInvalidBody, err), http.StatusBadRequest)
		return
	}

	batch, err := source.Parse(data, bodyFormat(r))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", errInvalidBody, err), http.StatusBadRequest)
		return
	}
	if src := r.URL.Query().Get("source"); src != "" {
		batch.Source = src
	}
	if len(batch.Customers) == 0 && len(batch.Offers) == 0 {
		s.respondError(w, r, core.ErrEmptyBatch, http.StatusBadRequest)
		return
	}

	logging.FromContext(r.Context()).Info("batch received",
		"source", batch.Source,
		"customers", len(batch.Customers),
		"offers", len(batch.Offers),
	)

	ctx := WithRequestMetadata(r.Context(), r)
	result, err := s.service.Ingest(ctx, batch)
	if err != nil {
		status := statusFor(err)
		msg := core.MapError(err)
		logError(r, err, status, msg.Code)

		failure := newErrorResponse(msg)
		writeJSON(w, status, RunResponse{IngestionResult: result, Failure: &failure})
		return
	}

	writeJSON(w, http.StatusOK, RunResponse{IngestionResult: result})
}

// bodyFormat maps the request content type to a source.Parse extension.
func bodyFormat(r *http.Request) string {
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "yaml") {
		return ".yaml"
	}
	return ".json"
}

// handleRunStatus reports run slot usage.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.RunLimiterStatus())
}

// handleHealth reports liveness and, when a pinger is set, store readiness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			logError(r, err, http.StatusServiceUnavailable, "DB001")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
