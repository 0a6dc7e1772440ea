package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/store"
)

// Submitter routes a submission to its kind's engine; *delivery.Registry
// implements it.
type Submitter interface {
	Submit(ctx context.Context, clientID string, kind contracts.Kind, date contracts.Date, raw json.RawMessage) (contracts.LogEntry, error)
}

// SubmissionRequest is the webhook body.
type SubmissionRequest struct {
	ClientID string          `json:"client_id"`
	Kind     string          `json:"kind"`
	Date     string          `json:"date"`
	Payload  json.RawMessage `json:"payload"`
}

// SubmissionResponse acknowledges a finalized entry.
type SubmissionResponse struct {
	ID     string           `json:"id"`
	Status contracts.Status `json:"status"`
	Date   contracts.Date   `json:"date"`
	Kind   contracts.Kind   `json:"kind"`
}

// ResolveRequest toggles a job card. Resolved defaults to true.
type ResolveRequest struct {
	Resolved *bool `json:"resolved"`
}

// Server holds the HTTP handlers.
type Server struct {
	submissions Submitter
	store       store.Store
	now         func() time.Time
	logger      *slog.Logger
}

func NewServer(submissions Submitter, st store.Store) *Server {
	return &Server{
		submissions: submissions,
		store:       st,
		now:         time.Now,
		logger:      slog.Default().With("component", "api"),
	}
}

// WithClock sets the clock used for default log windows and snapshots.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.now = clock
	return s
}

// Handler returns the routed handler wrapped in request id and, when rl is
// non-nil, per-IP rate limiting.
func (s *Server) Handler(rl *IPRateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/submissions", s.handleSubmit)
	mux.HandleFunc("GET /v1/clients", s.handleListClients)
	mux.HandleFunc("GET /v1/clients/{client}", s.handleGetClient)
	mux.HandleFunc("GET /v1/clients/{client}/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/clients/{client}/stats", s.handleStats)
	mux.HandleFunc("GET /v1/clients/{client}/rejections", s.handleRejections)
	mux.HandleFunc("GET /v1/clients/{client}/job-cards", s.handleListCards)
	mux.HandleFunc("GET /v1/job-cards/{id}", s.handleGetCard)
	mux.HandleFunc("POST /v1/job-cards/{id}/resolve", s.handleResolve)

	var h http.Handler = mux
	if rl != nil {
		h = rl.Middleware(h)
	}
	return RequestID(s.logRequests(h))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ClientID == "" || req.Kind == "" || req.Date == "" || len(req.Payload) == 0 {
		WriteBadRequest(w, "Missing required fields: client_id, kind, date, payload")
		return
	}
	kind, err := contracts.ParseKind(req.Kind)
	if err != nil {
		WriteDomainError(w, r, &contracts.ValidationError{Field: "kind", Reason: err.Error()})
		return
	}
	date, err := contracts.ParseDate(req.Date)
	if err != nil {
		WriteDomainError(w, r, &contracts.ValidationError{Field: "date", Reason: err.Error()})
		return
	}

	entry, err := s.submissions.Submit(r.Context(), req.ClientID, kind, date, req.Payload)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmissionResponse{ID: entry.ID, Status: entry.Status, Date: entry.Date, Kind: entry.Kind})
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.store.ListWeekly(r.Context(), r.PathValue("client"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if cards == nil {
		cards = []contracts.WeeklyFlagRecord{}
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.store.GetWeekly(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	resolved := true
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
		var req ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "Invalid request body")
			return
		}
		if req.Resolved != nil {
			resolved = *req.Resolved
		}
	}

	id := r.PathValue("id")
	if err := s.store.SetResolved(r.Context(), id, resolved); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	card, err := s.store.GetWeekly(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "job card resolved", "id", id, "client_id", card.ClientID, "resolved", resolved)
	writeJSON(w, http.StatusOK, card)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe runs the server until ctx ends, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
