// Package api serves the engine over HTTP: the approval endpoint behind
// every suspension's approval URL, ensemble listing and execution, pending
// suspensions, the event log and a live event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/hitl"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/notify"
	"github.com/rendis/ensemble/internal/store"
)

// EventLister reads the execution event log.
type EventLister interface {
	ListEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
}

// Deps holds the dependencies for the HTTP server. Executor is required;
// every other field switches its routes off when nil.
type Deps struct {
	Executor engine.Executor
	HITL     *hitl.Controller
	Hub      *notify.MemoryHub
	Events   EventLister
	Metrics  http.Handler
	Logger   *slog.Logger
}

// Server is the HTTP surface of the engine.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for every enabled route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /ensembles", s.handleListEnsembles)
	mux.HandleFunc("POST /ensembles", s.handleDefineEnsemble)
	mux.HandleFunc("POST /ensembles/{name}/run", s.handleRunEnsemble)

	if s.deps.HITL != nil {
		mux.HandleFunc("GET /suspensions", s.handleListSuspensions)
		mux.HandleFunc("GET /resume/{id}", s.handleGetSuspension)
	}
	mux.HandleFunc("POST /resume/{id}", s.handleResume)

	if s.deps.Events != nil {
		mux.HandleFunc("GET /executions/{id}/events", s.handleExecutionEvents)
	}
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
		mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	return s.withRequestID(mux)
}

// withRequestID tags each request's context with its X-Request-ID, or a
// fresh id, so execution logs correlate with the call that caused them.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
