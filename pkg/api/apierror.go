// Package api serves the session over HTTP. Errors use RFC 7807 problem
// details.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

const problemBase = "https://certwatch.dev/problems/"

// Problem types returned by the API. Anything else is reported by status.
const (
	ProblemInvalidFilter  = "invalid-filter"
	ProblemInvalidParam   = "invalid-parameter"
	ProblemUnknownRecord  = "unknown-record"
	ProblemNoDetailPage   = "no-detail-page"
	ProblemEnrichDisabled = "enrichment-disabled"
	ProblemUpstream       = "upstream-unavailable"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the failing request.
	TraceID string `json:"trace_id,omitempty"`
	// RecordID is set on problems about a single record.
	RecordID string `json:"record_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// newProblem builds a problem for status. An empty kind selects the generic
// per-status type.
func newProblem(w http.ResponseWriter, status int, kind, detail string) *ProblemDetail {
	if kind == "" {
		kind = strconv.Itoa(status)
	}
	return &ProblemDetail{
		Type:    problemBase + kind,
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
}

// WriteError writes a generic problem for status.
func WriteError(w http.ResponseWriter, status int, detail string) {
	writeProblem(w, newProblem(w, status, "", detail))
}

// WriteProblem writes a typed problem with the request path as instance.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	p := newProblem(w, status, kind, detail)
	p.Instance = r.URL.Path
	writeProblem(w, p)
}

// WriteRecordProblem is WriteProblem for a problem about record id.
func WriteRecordProblem(w http.ResponseWriter, r *http.Request, status int, kind, id, detail string) {
	p := newProblem(w, status, kind, detail)
	p.Instance = r.URL.Path
	p.RecordID = id
	writeProblem(w, p)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="certwatch"`)
	WriteError(w, http.StatusUnauthorized, detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a 500 that does not expose it.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
