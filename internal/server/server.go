package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/server/handler"
	"github.com/alanyoungcy/dydxrelay/internal/server/middleware"
	"github.com/alanyoungcy/dydxrelay/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AuthRateLimit caps login attempts per client IP per AuthRateWindow.
	AuthRateLimit  int
	AuthRateWindow time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Webhook   *handler.WebhookHandler
	Auth      *handler.AuthHandler
	Account   *handler.AccountHandler
	Positions *handler.PositionHandler
	// Monitor is nil when the process does not run the position monitor.
	Monitor *handler.MonitorHandler
}

// Deps are the shared collaborators of the middleware chain. Limiter may be
// nil, which disables login rate limiting.
type Deps struct {
	Sessions middleware.TokenVerifier
	Limiter  domain.RateLimiter
}

// Server is the HTTP + WebSocket API server for the relay.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Webhook routes authenticate through their own two-factor check; /api/me,
// /api/positions and /ws require a session token.
func NewServer(cfg Config, handlers Handlers, deps Deps, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()
	session := middleware.Session(deps.Sessions)
	authLimit := middleware.RateLimit(deps.Limiter, "auth", cfg.AuthRateLimit, cfg.AuthRateWindow, logger)
	private := func(h http.HandlerFunc) http.Handler { return session(h) }

	// --- Register routes ---

	// Public endpoints.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("POST /webhooks/signal/{webhook_identifier}", handlers.Webhook.Signal)

	// Wallet login.
	mux.Handle("POST /api/auth/challenge", authLimit(http.HandlerFunc(handlers.Auth.Challenge)))
	mux.Handle("POST /api/auth/login", authLimit(http.HandlerFunc(handlers.Auth.Login)))

	// Account endpoints.
	mux.Handle("GET /api/me", private(handlers.Account.Me))
	mux.Handle("PUT /api/me/mnemonic", private(handlers.Account.SetMnemonic))
	mux.Handle("PUT /api/me/telegram", private(handlers.Account.SetTelegram))
	mux.Handle("POST /api/me/webhook-secret", private(handlers.Account.RotateWebhookSecret))
	mux.Handle("DELETE /api/me", private(handlers.Account.Deactivate))

	// Position endpoints.
	mux.Handle("GET /api/positions", private(handlers.Positions.ListPositions))
	mux.Handle("GET /api/positions/{id}", private(handlers.Positions.GetPosition))
	mux.Handle("POST /api/positions/{id}/close", private(handlers.Positions.ClosePosition))

	if handlers.Monitor != nil {
		mux.Handle("POST /api/monitor/trigger", private(handlers.Monitor.TriggerCycle))
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.Handle("GET /ws", private(wsHub.HandleWS))
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
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
