package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/simple-authz/internal/metrics"
)

// Server represents the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	logger    *slog.Logger
	health    *HealthHandler
	cors      *CORSConfig
	rateLimit int
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth replaces the default health handler.
func WithHealth(h *HealthHandler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithCORS sets the CORS policy of the token and userinfo endpoints.
func WithCORS(cfg *CORSConfig) Option {
	return func(s *Server) {
		s.cors = cfg
	}
}

// WithRateLimit limits /token and /authorize/prompt to perMinute requests
// per client IP. Zero disables limiting.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) {
		s.rateLimit = perMinute
	}
}

// NewServer creates a new HTTP server with default middleware.
func NewServer(addr string, opts ...Option) *Server {
	r := chi.NewRouter()

	s := &Server{
		router: r,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = NewHealthHandler()
	}

	// Default middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(RequestLogger(s.logger))
	r.Use(metrics.Middleware)
	r.Use(SecurityHeadersMiddleware(nil))

	// Health endpoints
	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Handle("/metrics", metrics.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Mount registers the authorization server endpoints.
func (s *Server) Mount(oauthHandler *OAuthHandler, discovery *DiscoveryHandler, jwks *JWKSHandler) {
	r := s.router

	r.Get("/.well-known/openid-configuration", discovery.Metadata)
	r.Get("/.well-known/oauth-authorization-server", discovery.Metadata)
	r.Get("/.well-known/jwks.json", jwks.JWKS)

	r.Get("/authorize", oauthHandler.Authorize)
	r.Group(func(r chi.Router) {
		r.Use(RateLimit(s.rateLimit, "prompt"))
		r.Get("/authorize/prompt", oauthHandler.PromptPage)
		r.Post("/authorize/prompt", oauthHandler.Prompt)
	})

	// Browser-based clients call these cross-origin.
	r.Group(func(r chi.Router) {
		r.Use(CORSMiddleware(s.cors))
		r.Options("/token", noContent)
		r.With(RateLimit(s.rateLimit, "token")).Post("/token", oauthHandler.Token)
		r.Options("/userinfo", noContent)
		r.Get("/userinfo", oauthHandler.UserInfo)
		r.Post("/userinfo", oauthHandler.UserInfo)
	})
}

// Router returns the chi router for adding routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.health.SetReady(false)
	return s.server.Shutdown(ctx)
}

func noContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
