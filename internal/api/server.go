package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/osteele/liquid"

	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/repository"
	"github.com/foxzi/drip/internal/sandbox"
	"github.com/foxzi/drip/internal/template"
	"github.com/foxzi/drip/internal/token"
)

// Version is reported by /health
var Version = "dev"

// Deps are the collaborators of the API server. Sandbox, Limiter and
// Collector are optional.
type Deps struct {
	Subscribers *repository.SubscriberRepository
	Sequences   *repository.SequenceRepository
	Enrollments *repository.EnrollmentRepository
	Logs        *repository.DeliveryLogRepository
	Manager     *drip.Manager
	Engine      *template.Engine
	Tokens      *token.Signer
	Sandbox     *sandbox.Storage
	Limiter     *ratelimit.Limiter
	Quota       config.QuotaConfig
	Collector   *metrics.Collector
	Clock       drip.Clock
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *config.ServerConfig

	subscribers *repository.SubscriberRepository
	sequences   *repository.SequenceRepository
	enrollments *repository.EnrollmentRepository
	logs        *repository.DeliveryLogRepository
	manager     *drip.Manager
	engine      *template.Engine
	tokens      *token.Signer
	sandbox     *sandbox.Storage
	limiter     *ratelimit.Limiter
	quota       config.QuotaConfig
	collector   *metrics.Collector
	clock       drip.Clock

	validate *validator.Validate
	page     *liquid.Template
	logger   *slog.Logger

	startTime time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.ServerConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	clock := deps.Clock
	if clock == nil {
		clock = drip.SystemClock()
	}

	page, err := parsePage()
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:      chi.NewRouter(),
		config:      cfg,
		subscribers: deps.Subscribers,
		sequences:   deps.Sequences,
		enrollments: deps.Enrollments,
		logs:        deps.Logs,
		manager:     deps.Manager,
		engine:      deps.Engine,
		tokens:      deps.Tokens,
		sandbox:     deps.Sandbox,
		limiter:     deps.Limiter,
		quota:       deps.Quota,
		collector:   deps.Collector,
		clock:       clock,
		validate:    newValidator(),
		page:        page,
		logger:      logger.With("component", "api"),
		startTime:   time.Now(),
	}

	if cfg.APIKeyHash == "" {
		s.logger.Warn("no API key configured, management API is open")
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware(s.collector))

	s.router.Get("/health", s.handleHealth)

	// Links embedded in emails
	s.router.Get("/t/o/{logID}.gif", s.handleOpen)
	s.router.Get("/t/c/{logID}", s.handleClick)
	s.router.Get("/u/{token}", s.handleUnsubscribePage)
	s.router.Post("/u/{token}", s.handleUnsubscribe)

	s.router.Route("/api/v1", func(r chi.Router) {
		if len(s.config.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.config.CORSOrigins,
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
				MaxAge:         300,
			}))
		}
		r.Use(s.authMiddleware)

		r.Route("/subscribers", func(r chi.Router) {
			r.Post("/", s.handleCreateSubscriber)
			r.Get("/{id}", s.handleGetSubscriber)
			r.Patch("/{id}", s.handleUpdateSubscriber)
			r.Post("/{id}/confirm", s.handleConfirmSubscriber)
			r.Post("/{id}/unsubscribe", s.handleUnsubscribeAll)
			r.Post("/{id}/tags", s.handleAddTag)
			r.Delete("/{id}/tags/{tag}", s.handleRemoveTag)
			r.Post("/{id}/events", s.handleEvent)
			r.Post("/{id}/transitions", s.handleTransition)
		})

		r.Route("/sequences", func(r chi.Router) {
			r.Get("/", s.handleListSequences)
			r.Post("/", s.handleCreateSequence)
			r.Get("/{id}", s.handleGetSequence)
			r.Delete("/{id}", s.handleDeleteSequence)
			r.Post("/{id}/status", s.handleSequenceStatus)
			r.Post("/{id}/steps", s.handleAddStep)
			r.Delete("/{id}/steps/{stepID}", s.handleDeleteStep)
			r.Post("/{id}/steps/{position}/preview", s.handlePreviewStep)
			r.Get("/{id}/stats", s.handleSequenceStats)
		})

		r.Post("/enrollments", s.handleEnroll)
		r.Delete("/enrollments", s.handleUnenroll)

		r.Get("/quota/{level}/{key}", s.handleQuotaStats)

		r.Route("/sandbox", func(r chi.Router) {
			r.Get("/messages", s.handleSandboxList)
			r.Get("/messages/{id}", s.handleSandboxGet)
			r.Get("/messages/{id}/raw", s.handleSandboxRaw)
			r.Delete("/messages", s.handleSandboxClear)
			r.Delete("/messages/{id}", s.handleSandboxDelete)
			r.Get("/stats", s.handleSandboxStats)
		})
	})
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
