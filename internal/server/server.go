package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quorumlabs/futarchyd/internal/domain"
	"github.com/quorumlabs/futarchyd/internal/server/handler"
	"github.com/quorumlabs/futarchyd/internal/server/middleware"
	"github.com/quorumlabs/futarchyd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Limiter enables per-client rate limiting when non-nil and
	// RateLimit is positive.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered, so read-only deployments can
// run without the mutation surface.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Proposals *handler.ProposalHandler
	Claims    *handler.ClaimHandler
	Audit     *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket API for the decision engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	// Proposal lifecycle endpoints.
	if handlers.Proposals != nil {
		p := handlers.Proposals
		mux.HandleFunc("POST /api/orgs/{org}/proposals", p.CreateProposal)
		mux.HandleFunc("GET /api/orgs/{org}/proposals", p.ListProposals)
		mux.HandleFunc("GET /api/orgs/{org}/proposals/live", p.GetLiveProposal)
		mux.HandleFunc("GET /api/orgs/{org}/proposals/{id}", p.GetProposal)

		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/stake", p.Stake)
		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/unstake", p.Unstake)
		mux.HandleFunc("GET /api/orgs/{org}/proposals/{id}/stakes", p.ListStakes)
		mux.HandleFunc("GET /api/orgs/{org}/proposals/{id}/readiness", p.Readiness)

		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/activate", p.Activate)
		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/cancel", p.Cancel)
		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/resolve", p.Resolve)
		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/actions/{index}/execute", p.ExecuteAction)
	}

	// Conditional claim and price endpoints.
	if handlers.Claims != nil {
		c := handlers.Claims
		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/split", c.Split)
		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/merge", c.Merge)
		mux.HandleFunc("POST /api/orgs/{org}/proposals/{id}/redeem", c.Redeem)
		mux.HandleFunc("GET /api/orgs/{org}/proposals/{id}/claims/{holder}", c.GetBalances)
		mux.HandleFunc("GET /api/orgs/{org}/proposals/{id}/prices", c.GetPrices)
	}

	// Audit log.
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply per-client rate limiting when configured.
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, window)(h)
	}

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
