package web

// errors.go provides unified error responses for the API.
//
// Every error is logged server-side with the request id and returned to the
// client as a core.UserMessage: a plain message, a suggested action and a
// code to quote to support.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/cdp/internal/core"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

func newErrorResponse(msg core.UserMessage) ErrorResponse {
	return ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	}
}

// respondError logs err and writes its user-facing form with statusCode.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)
	logError(r, err, statusCode, userMsg.Code)
	writeError(w, statusCode, userMsg)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, statusCode int, msg core.UserMessage) {
	writeJSON(w, statusCode, newErrorResponse(msg))
}

// logError logs client errors at warn and server errors at error. Errors
// that map to the generic message are flagged so they can be given a code.
func logError(r *http.Request, err error, statusCode int, code string) {
	level := slog.LevelError
	if statusCode < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", code,
		"request_id", middleware.GetReqID(r.Context()),
	}
	if !core.IsUserFacing(err) {
		attrs = append(attrs, "unmapped", true)
	}
	slog.Log(r.Context(), level, "request error", attrs...)
}

// statusFor picks the HTTP status for a service error.
func statusFor(err error) int {
	var fetchErr *core.CriticalFetchError

	switch {
	case errors.Is(err, core.ErrTooManyRuns):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
