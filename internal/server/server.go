// Package server exposes attribution and maintenance jobs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/attribution"
	"github.com/sells-group/attribution-cli/internal/identity"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/refcode"
	"github.com/sells-group/attribution-cli/internal/runlog"
)

const maxRunsLimit = 500

// AttributionRunner runs attribution batches.
type AttributionRunner interface {
	Run(ctx context.Context, req attribution.Request) (*attribution.Summary, error)
	Sweep(ctx context.Context, req attribution.Request) (*attribution.SweepSummary, error)
	RecomputeTiming(ctx context.Context, req attribution.Request) (*attribution.Summary, error)
}

// IdentityBuilder rebuilds an organization's identity links.
type IdentityBuilder interface {
	Build(ctx context.Context, orgID string) (*identity.BuildResult, error)
}

// RefcodeReconciler rebuilds an organization's refcode registry.
type RefcodeReconciler interface {
	Reconcile(ctx context.Context, orgID string) (*refcode.ReconcileResult, error)
}

// ClickBackfiller recovers refcode mappings from click ids.
type ClickBackfiller interface {
	Backfill(ctx context.Context, orgID string, lookbackDays int) (*refcode.BackfillResult, error)
}

// Deps are the services behind the routes. Runs may be nil.
type Deps struct {
	Attribution AttributionRunner
	Identity    IdentityBuilder
	Reconciler  RefcodeReconciler
	Backfiller  ClickBackfiller
	Runs        *runlog.Log
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
	// DefaultLookbackDays applies to backfill requests without days_back.
	DefaultLookbackDays int
}

type server struct {
	deps Deps
	opts Options
}

// jobRequest is the body of the single-organization maintenance jobs.
type jobRequest struct {
	OrganizationID string `json:"organization_id"`
	LookbackDays   int    `json:"days_back"`
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, opts Options) *chi.Mux {
	if opts.DefaultLookbackDays <= 0 {
		opts.DefaultLookbackDays = attribution.DefaultLookbackDays
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &server{deps: deps, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/attribution/run", s.handleAttributionRun)
		r.Post("/attribution/recompute-timing", s.handleRecomputeTiming)
		r.Post("/identity/rebuild", s.handleIdentityRebuild)
		r.Post("/refcodes/reconcile", s.handleRefcodeReconcile)
		r.Post("/refcodes/backfill", s.handleRefcodeBackfill)
		r.Get("/runs", s.handleListRuns)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleAttributionRun(w http.ResponseWriter, r *http.Request) {
	var req attribution.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.AllOrganizations {
		sweep, err := s.deps.Attribution.Sweep(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, sweep)
		return
	}

	sum, err := s.deps.Attribution.Run(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) handleRecomputeTiming(w http.ResponseWriter, r *http.Request) {
	var req attribution.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sum, err := s.deps.Attribution.RecomputeTiming(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) handleIdentityRebuild(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeJob(w, r)
	if !ok {
		return
	}
	res, err := runlog.Track(r.Context(), s.deps.Runs, model.JobIdentityRebuild, req.OrganizationID,
		func(ctx context.Context) (*identity.BuildResult, error) {
			return s.deps.Identity.Build(ctx, req.OrganizationID)
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleRefcodeReconcile(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeJob(w, r)
	if !ok {
		return
	}
	res, err := runlog.Track(r.Context(), s.deps.Runs, model.JobRefcodeRecon, req.OrganizationID,
		func(ctx context.Context) (*refcode.ReconcileResult, error) {
			return s.deps.Reconciler.Reconcile(ctx, req.OrganizationID)
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleRefcodeBackfill(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeJob(w, r)
	if !ok {
		return
	}
	days := req.LookbackDays
	if days == 0 {
		days = s.opts.DefaultLookbackDays
	}
	if days < 1 || days > attribution.MaxLookbackDays {
		writeError(w, http.StatusBadRequest, eris.Errorf("server: days_back must be between 1 and %d", attribution.MaxLookbackDays))
		return
	}
	res, err := runlog.Track(r.Context(), s.deps.Runs, model.JobClickIDBackfill, req.OrganizationID,
		func(ctx context.Context) (*refcode.BackfillResult, error) {
			return s.deps.Backfiller.Backfill(ctx, req.OrganizationID, days)
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.RunFilter{
		Job:    q.Get("job"),
		OrgID:  q.Get("organization_id"),
		Status: model.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunsLimit {
			writeError(w, http.StatusBadRequest, eris.Errorf("server: limit must be between 1 and %d", maxRunsLimit))
			return
		}
		filter.Limit = n
	}

	runs, err := s.deps.Runs.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) decodeJob(w http.ResponseWriter, r *http.Request) (jobRequest, bool) {
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, eris.New("server: organization_id is required"))
		return req, false
	}
	return req, true
}

// decodeBody reads a JSON body. An empty body decodes to the zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if eris.Is(err, attribution.ErrInvalidRequest) {
		return err
	}
	return eris.Wrap(err, "server: invalid request body")
}

func statusFor(err error) int {
	if eris.Is(err, attribution.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		zap.L().Error("server: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
