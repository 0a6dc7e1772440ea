// Package api serves the submission webhook and the coach-facing read
// endpoints: clients, compliance logs, rejections and job cards. Errors are
// RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
	// Rule names the violated compliance rule, when there is one.
	Rule string `json:"rule,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://regiment.local/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Type: problemType(status), Title: title, Status: status, Detail: detail})
}

// WriteErrorR is WriteError enriched with the request path and id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 response. err is logged, never returned.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps the error taxonomy onto HTTP statuses:
// validation 422, policy violation 409, not found 404, persistence or
// transport 503, anything else 500.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *contracts.ValidationError
		pv *contracts.PolicyViolation
	)
	switch {
	case errors.As(err, &ve):
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", ve.Error())
	case errors.As(err, &pv):
		writeProblem(w, &ProblemDetail{
			Type:     problemType(http.StatusConflict),
			Title:    "Conflict",
			Status:   http.StatusConflict,
			Detail:   pv.Detail,
			Instance: r.URL.Path,
			TraceID:  w.Header().Get("X-Request-ID"),
			Rule:     pv.Rule,
		})
	case errors.Is(err, contracts.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case contracts.IsRetryable(err):
		slog.Error("dependency unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "30")
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "The submission could not be stored. Retry later.")
	default:
		WriteInternal(w, err)
	}
}
