// Package api serves the JSON HTTP interface for starting runs, reading the
// job ledger and managing cursors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
	"github.com/livinlefevreloca/ledgersync/internal/scheduler"
)

// Orchestrator is the run control surface the API exposes
type Orchestrator interface {
	StartRun(ctx context.Context, req batchsync.RunRequest) (*batchsync.StartResult, error)
	RunStatus(ctx context.Context, runID string) (*batchsync.Job, error)
	Cursor(ctx context.Context, domain string) (int, error)
	ResetCursor(ctx context.Context, domain string) error
	Domains() []string
}

// History lists recent ledger entries
type History interface {
	Recent(ctx context.Context, domain string, limit int) ([]batchsync.Job, error)
}

// ScheduleStatus reports the scheduler's per-domain state
type ScheduleStatus interface {
	Status(ctx context.Context) (*scheduler.StatusResponse, error)
}

// Deps are the API's collaborators. History and Schedule are optional.
type Deps struct {
	Orchestrator Orchestrator
	History      History
	Schedule     ScheduleStatus
}

// Server is the HTTP API
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
	server   *http.Server
}

// NewServer builds the API server listening on addr
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/domains", s.handleDomains)
	mux.HandleFunc("POST /v1/domains/{domain}/runs", s.handleStartRun)
	mux.HandleFunc("GET /v1/domains/{domain}/cursor", s.handleGetCursor)
	mux.HandleFunc("POST /v1/domains/{domain}/cursor/reset", s.handleResetCursor)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/schedule", s.handleSchedule)

	return s.logRequests(mux)
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("starting api server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	return s.server.Shutdown(ctx)
}

// startRunBody is the POST body of a run request. filter_unsynced defaults
// to true.
type startRunBody struct {
	ItemIDs        []string `json:"item_ids" validate:"omitempty,max=10000,dive,required"`
	BatchSize      int      `json:"batch_size" validate:"gte=0,lte=10000"`
	FilterUnsynced *bool    `json:"filter_unsynced"`
	ResetCursor    bool     `json:"reset_cursor"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := batchsync.RunRequest{
		Domain:         r.PathValue("domain"),
		ItemIDs:        body.ItemIDs,
		BatchSize:      body.BatchSize,
		FilterUnsynced: body.FilterUnsynced == nil || *body.FilterUnsynced,
		ResetCursor:    body.ResetCursor,
	}

	res, err := s.deps.Orchestrator.StartRun(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Orchestrator.RunStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{Job: job, Mode: job.Mode.String()})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, errors.New("run history not available"))
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	jobs, err := s.deps.History.Recent(r.Context(), r.URL.Query().Get("domain"), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	views := make([]jobView, len(jobs))
	for i := range jobs {
		views[i] = jobView{Job: &jobs[i], Mode: jobs[i].Mode.String()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) handleGetCursor(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")

	value, err := s.deps.Orchestrator.Cursor(r.Context(), domain)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cursorView{Domain: domain, Offset: value})
}

func (s *Server) handleResetCursor(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")

	if err := s.deps.Orchestrator.ResetCursor(r.Context(), domain); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.logger.Info("cursor reset via api", "domain", domain)
	writeJSON(w, http.StatusOK, cursorView{Domain: domain, Offset: 0})
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.deps.Orchestrator.Domains()})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedule == nil {
		writeError(w, http.StatusNotImplemented, errors.New("scheduler not running"))
		return
	}

	status, err := s.deps.Schedule.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobView struct {
	*batchsync.Job
	Mode string `json:"mode"`
}

type cursorView struct {
	Domain string `json:"domain"`
	Offset int    `json:"offset"`
}

type errorView struct {
	Error string `json:"error"`
}

// writeDomainError maps orchestrator errors to HTTP statuses
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, batchsync.ErrUnknownDomain), errors.Is(err, batchsync.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, batchsync.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, batchsync.ErrRunInProgress):
		status = http.StatusConflict
	default:
		s.logger.Error("api request failed", "error", err)
	}

	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorView{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
