package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/handler"
	"github.com/nllm/tokend/internal/mcp"
	"github.com/nllm/tokend/internal/metrics"
	"github.com/nllm/tokend/internal/model"
	"github.com/nllm/tokend/internal/secret"
	"github.com/nllm/tokend/internal/server/middleware"
	"github.com/nllm/tokend/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	IPRateLimit     int   // requests per minute per IP on /api/v1 and /mcp; 0 disables
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool
	BaseURL           string
	EnableMCP         bool
	Version           string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     1 << 20,
		IPRateLimit:     600,
		EnableMCP:       true,
		Version:         "dev",
	}
}

// Pinger reports whether the credential store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the top-level HTTP server for tokend. It owns the Chi router and
// the components behind it.
type Server struct {
	cfg        Config
	router     chi.Router
	store      Pinger
	tokens     *service.TokenService
	sessions   service.SessionValidator
	usage      *service.UsageRecorder
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. usage may be nil; when set it is drained on shutdown.
func New(cfg Config, store Pinger, tokens *service.TokenService, sessions service.SessionValidator,
	usage *service.UsageRecorder, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		sessions: sessions,
		usage:    usage,
		metrics:  m,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(s.metrics.Instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "Mcp-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	// --- Health checks and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method("GET", "/metrics", s.metrics.Handler())

	// --- OpenAPI spec (no auth required) ---
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.BaseURL).ServeSpec)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.IPRateLimit > 0 {
			r.Use(middleware.RateLimit(s.cfg.IPRateLimit))
		}
		r.Use(middleware.Authenticate(s.sessions, s.tokens, s.logger))

		tokenHandler := handler.NewTokenHandler(s.tokens, s.logger)
		r.Get("/me", tokenHandler.Me)

		// Token management is only available to interactive sessions.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession())

			r.Post("/tokens", tokenHandler.Issue)
			r.Get("/tokens", tokenHandler.List)
			r.Delete("/tokens/{id}", tokenHandler.Revoke)
			r.Get("/tokens/{id}/usage", tokenHandler.Usage)
		})
	})

	// --- MCP over Streamable HTTP; each tool call validates the token ---
	if s.cfg.EnableMCP {
		mcpHandler := mcp.NewMCPServer(s.tokens, s.cfg.Version, s.logger).HTTPHandler()
		r.Group(func(r chi.Router) {
			if s.cfg.IPRateLimit > 0 {
				r.Use(middleware.RateLimit(s.cfg.IPRateLimit))
			}
			r.Use(requirePersonalToken)
			r.Handle("/mcp", mcpHandler)
		})
	}

	s.router = r
}

// requirePersonalToken turns away MCP requests that carry no personal
// token before they reach the protocol handler.
func requirePersonalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, tok, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if !strings.EqualFold(scheme, "Bearer") || !secret.HasPrefix(strings.TrimSpace(tok)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tokend"`)
			writeJSON(w, http.StatusUnauthorized, model.ErrorResponse{Error: model.ErrorDetail{
				Code:    http.StatusUnauthorized,
				Message: "A personal token is required",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is a readiness probe. Returns 200 when the credential store
// is reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("readiness check failed")
		checks["store"] = "unavailable"
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or a SIGINT or SIGTERM is received. It then performs a graceful shutdown,
// draining in-flight requests and pending usage records.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info().Msg("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if s.usage != nil {
		s.usage.Close()
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
