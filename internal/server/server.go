// Package server provides the HTTP API for the triage decision service:
// guarded protocol queries, intent resolution, decision cycles, department
// state, and the audit surface.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/RomainBuono/Emergency-manager/internal/audit"
	"github.com/RomainBuono/Emergency-manager/internal/intent"
	"github.com/RomainBuono/Emergency-manager/internal/orchestrator"
	"github.com/RomainBuono/Emergency-manager/internal/otel"
	"github.com/RomainBuono/Emergency-manager/internal/rag"
	"github.com/RomainBuono/Emergency-manager/internal/state"
)

const defaultTimeout = 60 * time.Second

// Server holds the dependencies for the HTTP API.
type Server struct {
	router     *chi.Mux
	engine     *rag.Engine
	resolver   *intent.Resolver
	orch       *orchestrator.Orchestrator
	stateStore *state.Store
	auditStore *audit.Store
	apiKeys    []string
	limiter    *RateLimiter
	startTime  time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKeys enables bearer-token auth with the given keys. Without keys
// the API is open, which is only acceptable on a closed hospital network.
func WithAPIKeys(keys []string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithAuditStore sets the audit store (optional; without it verdicts are
// not persisted).
func WithAuditStore(store *audit.Store) Option {
	return func(s *Server) { s.auditStore = store }
}

// WithRateLimit caps request rates in requests per minute, globally and per
// caller. Each budget is enabled independently; zero disables that budget,
// and zero for both disables limiting entirely.
func WithRateLimit(globalRPM, perCallerRPM int) Option {
	return func(s *Server) {
		if globalRPM > 0 || perCallerRPM > 0 {
			s.limiter = NewRateLimiter(globalRPM, perCallerRPM)
		}
	}
}

// NewServer builds a Server.
func NewServer(engine *rag.Engine, resolver *intent.Resolver, orch *orchestrator.Orchestrator, stateStore *state.Store, opts ...Option) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		engine:     engine,
		resolver:   resolver,
		orch:       orch,
		stateStore: stateStore,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(s.limiter))
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/query", s.handleQuery)
		r.Post("/v1/intent", s.handleIntent)
		r.Post("/v1/agent/cycle", s.handleCycle)

		r.Get("/v1/status", s.handleStatus)
		r.Put("/v1/state", s.handleStateReplace)

		r.Get("/v1/audit", s.handleAuditList)
		r.Get("/v1/audit/decisions", s.handleAuditDecisions)
		r.Get("/v1/audit/{id}", s.handleAuditGet)
	})

	return r
}
