// Package api implements the Execution API (spec §4.8 / §6): the REST
// surface external callers and workers use to register playbooks, start
// and inspect executions, and operate the queue.
//
// Grounded on r3e-network-service_layer's chi-router HTTP server shape
// (one *chi.Mux built in a constructor, routes grouped by resource,
// middleware chained via router.Use), adapted from that repo's handler
// signatures to this module's apperr.Kind-to-status mapping.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/noetl/noetl-sub018/internal/broker"
	"github.com/noetl/noetl-sub018/internal/catalog"
	"github.com/noetl/noetl-sub018/internal/eventlog"
	"github.com/noetl/noetl-sub018/internal/ids"
	"github.com/noetl/noetl-sub018/internal/logging"
	"github.com/noetl/noetl-sub018/internal/queue"
	"github.com/noetl/noetl-sub018/internal/store"
	"github.com/noetl/noetl-sub018/internal/telemetry"
)

// Server wires the Execution API's collaborators and exposes the router an
// http.Server serves.
type Server struct {
	pool     *store.Pool
	events   *eventlog.Store
	catalogs *catalog.Store
	queue    *queue.Queue
	broker   *broker.Broker
	ids      *ids.Generator
	log      *logging.Logger
	metrics  *telemetry.Metrics

	limiter *rate.Limiter
}

// Deps bundles the Server's collaborators, built once at process start and
// threaded through via this struct rather than package-level globals.
type Deps struct {
	Pool     *store.Pool
	Events   *eventlog.Store
	Catalogs *catalog.Store
	Queue    *queue.Queue
	Broker   *broker.Broker
	IDs      *ids.Generator
	Log      *logging.Logger
	Metrics  *telemetry.Metrics

	// RateLimit bounds requests/sec across the whole API; burst allows a
	// short spike above that sustained rate.
	RateLimit rate.Limit
	Burst     int
}

// NewServer builds a Server from deps, applying default rate-limit values
// when unset.
func NewServer(deps Deps) *Server {
	if deps.RateLimit <= 0 {
		deps.RateLimit = 200
	}
	if deps.Burst <= 0 {
		deps.Burst = 100
	}
	return &Server{
		pool:     deps.Pool,
		events:   deps.Events,
		catalogs: deps.Catalogs,
		queue:    deps.Queue,
		broker:   deps.Broker,
		ids:      deps.IDs,
		log:      deps.Log,
		metrics:  deps.Metrics,
		limiter:  rate.NewLimiter(deps.RateLimit, deps.Burst),
	}
}

// Router builds the chi.Mux exposing spec §6's REST surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.rateLimit)

	r.Post("/catalog/register", s.handleCatalogRegister)

	r.Post("/execute", s.handleExecute)
	r.Get("/execution/{id}", s.handleGetExecution)
	r.Get("/execution/{id}/events", s.handleGetEvents)
	r.Get("/execution/{id}/stream", s.handleStream)
	r.Post("/execution/{id}/cancel", s.handleCancel)
	r.Post("/execution/{id}/rebuild", s.handleRebuild)

	r.Post("/queue/lease", s.handleQueueLease)
	r.Post("/queue/heartbeat", s.handleQueueHeartbeat)
	r.Post("/queue/complete", s.handleQueueComplete)
	r.Post("/queue/fail", s.handleQueueFail)
	r.Get("/queue/dead", s.handleQueueDeadList)
	r.Post("/queue/dead/{execution_id}/{node_id}/requeue", s.handleQueueDeadRequeue)

	r.Post("/context/render", s.handleContextRender)
	r.Post("/query", s.handleQuery)

	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "RateLimited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	writeJSON(w, status, body)
}
