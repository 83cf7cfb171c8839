// Package ingress implements the HTTP façade: shared-secret authenticated
// form endpoints for packaging requests and statistics queries, routing
// each enqueued task to the fast or slow worker pool per task.Speed(). The
// pipeline engine (C1-C7) is the focus of this system; this package is the
// minimal collaborator needed to drive it end to end.
package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otherjamesbrown/ckanpackager/internal/stats"
	"github.com/otherjamesbrown/ckanpackager/internal/task"
	"github.com/otherjamesbrown/ckanpackager/internal/workerpool"
	"github.com/otherjamesbrown/ckanpackager/pkg/buildinfo"
	pkgerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
	"github.com/otherjamesbrown/ckanpackager/pkg/logging"
)

// serviceName identifies this service in /version's buildinfo payload.
const serviceName = "ckanpackager"

// VariantFactory builds a fresh task.Variant for one request. The
// datastore and DwC-A variants carry no per-request state, but a factory
// keeps construction out of Server and lets main.go own variant wiring.
type VariantFactory func() task.Variant

// Server implements the endpoints in the external interfaces table and
// submits validated tasks to one of two worker pools.
type Server struct {
	secret      string
	workerCount int

	stats *stats.Store
	deps  *task.Deps
	log   logging.Logger

	fastPool *workerpool.Pool
	slowPool *workerpool.Pool
	variants map[string]VariantFactory

	router *chi.Mux
}

// New builds a Server. variants maps a packaging endpoint's suffix
// ("datastore", "dwc_archive", "url") to a factory for its Variant.
// workerCount is reported by /status as the sum of both pools' configured
// worker counts.
func New(secret string, workerCount int, store *stats.Store, deps *task.Deps, fastPool, slowPool *workerpool.Pool, log logging.Logger, variants map[string]VariantFactory) *Server {
	s := &Server{
		secret:      secret,
		workerCount: workerCount,
		stats:       store,
		deps:        deps,
		log:         log,
		fastPool:    fastPool,
		slowPool:    slowPool,
		variants:    variants,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Post("/", s.handleStatus)
	r.Post("/status", s.handleStatus)
	r.Get("/version", buildinfo.Handler(serviceName))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", s.handleHealthz)
	r.Post("/clear_caches", s.handleClearCaches)
	r.Post("/statistics", s.handleStatistics)
	r.Post("/statistics/requests", s.handleStatisticsRequests)
	r.Post("/statistics/errors", s.handleStatisticsErrors)
	r.Post("/package_datastore", s.handlePackage("datastore"))
	r.Post("/package_dwc_archive", s.handlePackage("dwc_archive"))
	r.Post("/package_url", s.handlePackage("url"))
	return r
}

// envelope is the {status, error, message} response contract every
// endpoint shares.
type envelope struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Message any    `json:"message,omitempty"`
}

func writeSuccess(w http.ResponseWriter, message any) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: message})
}

func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case pkgerrors.IsNotAuthorized(err):
		writeJSON(w, http.StatusUnauthorized, envelope{Status: "failed", Error: "NotAuthorizedError", Message: err.Error()})
	case pkgerrors.IsBadRequest(err):
		writeJSON(w, http.StatusBadRequest, envelope{Status: "failed", Error: "BadRequestError", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, envelope{Status: "failed", Error: "InternalError", Message: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authenticate parses the POST form and checks the secret field, the one
// auth mechanism every endpoint shares.
func (s *Server) authenticate(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%w: parsing form body: %v", pkgerrors.ErrBadRequest, err)
	}
	if r.PostFormValue("secret") != s.secret {
		return pkgerrors.ErrNotAuthorized
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticate(r); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, map[string]int{"worker_count": s.workerCount})
}

// handleHealthz reports the statistics store's reachability, unauthenticated
// so an orchestrator's liveness probe doesn't need the shared secret.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.stats.HealthCheck(r.Context())
	if !health.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": health.Error.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"latency_ms": health.Latency.Milliseconds(),
		"open_conns": health.OpenConns,
		"in_use":     health.InUseConns,
		"idle":       health.IdleConns,
	})
}

// handleClearCaches deletes every cached archive from the store directory.
// A running task keeps its data files in its own temp scratch directory;
// only the zip command that CreateZip runs writes into the store.
func (s *Server) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticate(r); err != nil {
		writeFailure(w, err)
		return
	}

	entries, err := os.ReadDir(s.deps.StoreDirectory)
	if err != nil {
		writeFailure(w, fmt.Errorf("%w: reading store directory: %v", pkgerrors.ErrInternal, err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		_ = os.Remove(filepath.Join(s.deps.StoreDirectory, e.Name()))
	}
	writeSuccess(w, "caches cleared")
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticate(r); err != nil {
		writeFailure(w, err)
		return
	}
	filters := stats.Filters{ResourceID: r.PostFormValue("resource_id")}
	totals, err := s.stats.GetTotals(r.Context(), filters)
	if err != nil {
		writeFailure(w, fmt.Errorf("%w: %v", pkgerrors.ErrInternal, err))
		return
	}
	writeSuccess(w, totals)
}

func (s *Server) handleStatisticsRequests(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticate(r); err != nil {
		writeFailure(w, err)
		return
	}
	offset, limit, err := parseOffsetLimit(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	filters := stats.Filters{ResourceID: r.PostFormValue("resource_id"), Email: r.PostFormValue("email")}

	rows, err := s.stats.GetRequests(r.Context(), offset, limit, filters)
	if err != nil {
		writeFailure(w, fmt.Errorf("%w: %v", pkgerrors.ErrInternal, err))
		return
	}
	writeSuccess(w, rows)
}

func (s *Server) handleStatisticsErrors(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticate(r); err != nil {
		writeFailure(w, err)
		return
	}
	offset, limit, err := parseOffsetLimit(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	filters := stats.Filters{ResourceID: r.PostFormValue("resource_id"), Email: r.PostFormValue("email")}

	rows, err := s.stats.GetErrors(r.Context(), offset, limit, filters)
	if err != nil {
		writeFailure(w, fmt.Errorf("%w: %v", pkgerrors.ErrInternal, err))
		return
	}
	writeSuccess(w, rows)
}

func parseOffsetLimit(r *http.Request) (int, int, error) {
	offset, err := parseIntForm(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	limit, err := parseIntForm(r, "limit", 100)
	if err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

func parseIntForm(r *http.Request, key string, def int) (int, error) {
	v := r.PostFormValue(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", pkgerrors.ErrBadRequest, key)
	}
	return n, nil
}

// handlePackage returns the handler shared by all three packaging
// endpoints: validate the descriptor against the variant's schema,
// classify its speed, and submit it to the matching pool. The response
// acknowledges enqueueing only; the task itself runs in the background.
func (s *Server) handlePackage(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticate(r); err != nil {
			writeFailure(w, err)
			return
		}

		factory, ok := s.variants[kind]
		if !ok {
			writeFailure(w, fmt.Errorf("%w: no variant registered for %q", pkgerrors.ErrInternal, kind))
			return
		}
		variant := factory()

		d, err := task.BuildDescriptor(formFields(r), variant.Schema())
		if err != nil {
			writeFailure(w, err)
			return
		}

		tk := task.New(d, variant, s.deps)
		pool := s.fastPool
		if tk.Speed() == task.SpeedSlow {
			pool = s.slowPool
		}
		pool.Submit(tk)

		writeSuccess(w, "job queued")
	}
}

// formFields collects the single-valued form fields BuildDescriptor
// expects, dropping the secret so it never reaches a variant's schema.
func formFields(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if k == "secret" || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}
