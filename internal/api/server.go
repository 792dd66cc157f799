// Package api provides the HTTP API server for mailmirror.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/wesm/mailmirror/internal/app"
	"github.com/wesm/mailmirror/internal/config"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/lifecycle"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/sync"
)

// Backend is the part of the app the API serves. *app.App implements it.
type Backend interface {
	Accounts() []mail.Account
	AddAccount(ctx context.Context, info mail.Account) error
	RemoveAccount(ctx context.Context, email string) error
	SwitchAccount(ctx context.Context, email string) error
	Status() app.Status
	View(ctx context.Context, account string, spec filter.Spec, order filter.Order) ([]mail.Item, error)
	Item(account, id string) (mail.Item, error)
	Mutate(ctx context.Context, account, id string, op remote.Operation) (*mutation.Pending, error)
	Refresh(ctx context.Context) error
	FullSync(ctx context.Context, account string) (*sync.Summary, error)
}

// Publisher accepts lifecycle events. *lifecycle.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, e lifecycle.Event) error
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	backend     Backend
	events      Publisher
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates a new API server. events may be nil, in which case the
// events endpoint is unavailable.
func NewServer(cfg *config.Config, backend Backend, events Publisher, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		events:  events,
		logger:  logger,
	}
	s.router = s.setupRouter()
	return s
}

// Per-client request budget for the whole router.
const (
	apiRate  = 10
	apiBurst = 20
)

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS is disabled when no origins are configured.
	corsConfig := CORSConfig{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: s.cfg.Server.CORSCredentials,
		MaxAge:           s.cfg.Server.CORSMaxAge,
	}
	if corsConfig.MaxAge == 0 && len(corsConfig.AllowedOrigins) > 0 {
		corsConfig.MaxAge = 86400
	}
	r.Use(CORSMiddleware(corsConfig))

	s.rateLimiter = NewRateLimiter(apiRate, apiBurst)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleAddAccount)
		r.Delete("/accounts/{account}", s.handleRemoveAccount)
		r.Post("/accounts/{account}/activate", s.handleActivate)

		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Post("/messages/{id}/{op}", s.handleMutate)

		r.Post("/refresh", s.handleRefresh)
		r.Post("/sync/{account}", s.handleFullSync)
		r.Post("/events", s.handleEvent)
	})

	return r
}

// Start begins listening for HTTP requests.
// Returns an error if the security posture is invalid.
func (s *Server) Start() error {
	if err := s.cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication, set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			authHeader = r.Header.Get("X-API-Key")
		}
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			authHeader = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
