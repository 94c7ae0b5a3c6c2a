package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/enrich"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/query"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/session"
)

// Session is the part of session.Session the handlers use.
type Session interface {
	State() session.State
	Refresh(ctx context.Context, force bool) session.State
	Enrich(ctx context.Context, id string) (record.ComplianceRecord, error)
}

// Server exposes a Session.
type Server struct {
	session Session
	logger  *slog.Logger
	started time.Time
}

func NewServer(s Session) *Server {
	return &Server{
		session: s,
		logger:  slog.Default().With("component", "api"),
		started: time.Now(),
	}
}

// Routes returns the bare route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/records", s.handleRecords)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/records/{id}/enrich", s.handleEnrich)
	return mux
}

// Handler wraps Routes with request ids, auth and, when limiter is non-nil,
// rate limiting.
func (s *Server) Handler(validator *JWTValidator, limiter *RateLimiter) http.Handler {
	var h http.Handler = s.Routes()
	h = NewAuthMiddleware(validator)(h)
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestIDMiddleware(h)
}

type healthResponse struct {
	Status  string `json:"status"`
	Records int    `json:"records"`
	Loading bool   `json:"loading"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.session.State()
	status := "ok"
	if st.Error != "" {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  status,
		Records: len(st.Records),
		Loading: st.Loading,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

type recordsResponse struct {
	Records     []record.ComplianceRecord `json:"records"`
	Loading     bool                      `json:"loading"`
	Error       string                    `json:"error,omitempty"`
	LastUpdated *time.Time                `json:"lastUpdated"`
	Fingerprint string                    `json:"fingerprint,omitempty"`
}

func newRecordsResponse(st session.State, recs []record.ComplianceRecord) recordsResponse {
	resp := recordsResponse{
		Records:     recs,
		Loading:     st.Loading,
		Error:       st.Error,
		Fingerprint: st.Fingerprint,
	}
	if resp.Records == nil {
		resp.Records = []record.ComplianceRecord{}
	}
	if !st.LastUpdated.IsZero() {
		t := st.LastUpdated.UTC()
		resp.LastUpdated = &t
	}
	return resp
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := query.Compile(r.URL.Query().Get("filter"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, ProblemInvalidFilter, err.Error())
		return
	}
	st := s.session.State()
	writeJSON(w, http.StatusOK, newRecordsResponse(st, filter.Apply(st.Records)))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, ProblemInvalidParam, "force must be a boolean")
			return
		}
		force = b
	}
	s.logger.InfoContext(r.Context(), "refresh requested",
		"force", force,
		"subject", Subject(r.Context()),
		"request_id", RequestID(r.Context()),
	)
	st := s.session.Refresh(r.Context(), force)
	writeJSON(w, http.StatusOK, newRecordsResponse(st, st.Records))
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.session.Enrich(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, enrich.ErrUnknownRecord):
		WriteRecordProblem(w, r, http.StatusNotFound, ProblemUnknownRecord, id, "no record with this id")
	case errors.Is(err, enrich.ErrNoDetailKey):
		WriteRecordProblem(w, r, http.StatusUnprocessableEntity, ProblemNoDetailPage, id, "record has no detail page")
	case errors.Is(err, session.ErrEnrichmentDisabled):
		WriteProblem(w, r, http.StatusServiceUnavailable, ProblemEnrichDisabled, "enrichment is disabled")
	default:
		s.logger.WarnContext(r.Context(), "enrichment failed", "id", id, "error", err)
		WriteRecordProblem(w, r, http.StatusBadGateway, ProblemUpstream, id, "detail page could not be fetched")
	}
}
