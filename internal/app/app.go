package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/drip/internal/api"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/db"
	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/lock"
	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/repository"
	"github.com/foxzi/drip/internal/sandbox"
	"github.com/foxzi/drip/internal/template"
	"github.com/foxzi/drip/internal/token"
)

// App is the main application
type App struct {
	config    *config.Config
	logger    *slog.Logger
	logWriter io.Closer

	db      *db.DB
	stateDB *bolt.DB

	subscribers *repository.SubscriberRepository
	sequences   *repository.SequenceRepository
	enrollments *repository.EnrollmentRepository
	logs        *repository.DeliveryLogRepository

	rateLimiter    *ratelimit.Limiter
	sandboxStorage *sandbox.Storage
	collector      *metrics.Collector
	metricsServer  *metrics.Server
	closeLock      func() error

	scheduler *drip.Scheduler
	manager   *drip.Manager
	apiServer *api.Server
}

// New creates a new application. Background work starts only in Run, so
// CLI commands can use the wired components directly.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, logWriter := setupLogger(cfg.Logging)

	a := &App{
		config:    cfg,
		logger:    logger,
		logWriter: logWriter,
		closeLock: func() error { return nil },
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config
	logger := a.logger

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.db = database
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	stateDB, err := bolt.Open(cfg.State.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	a.stateDB = stateDB

	a.subscribers = repository.NewSubscriberRepository(database.DB)
	a.sequences = repository.NewSequenceRepository(database.DB)
	a.enrollments = repository.NewEnrollmentRepository(database.DB)
	a.logs = repository.NewDeliveryLogRepository(database.DB)

	if cfg.Quota.Enabled() {
		a.rateLimiter, err = ratelimit.NewLimiter(stateDB, ratelimit.ConfigFromQuota(cfg.Quota))
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("sending quota enabled",
			"global_per_hour", cfg.Quota.Global.MessagesPerHour,
			"global_per_day", cfg.Quota.Global.MessagesPerDay,
			"domain_per_hour", cfg.Quota.RecipientDomain.MessagesPerHour,
			"domain_per_day", cfg.Quota.RecipientDomain.MessagesPerDay)
	}

	a.sandboxStorage, err = sandbox.NewStorage(stateDB)
	if err != nil {
		return fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		a.collector, err = metrics.NewCollector(stateDB, m, a.enrollments, cfg.Database.Path, 0)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics, logger)
	}

	transport, err := mailer.New(ctx, cfg.Mailer, a.sandboxStorage, logger)
	if err != nil {
		return fmt.Errorf("failed to create mailer: %w", err)
	}

	attachments, err := mailer.NewAttachmentLoaderFromConfig(ctx, cfg.Mailer)
	if err != nil {
		return fmt.Errorf("failed to create attachment loader: %w", err)
	}

	engine, err := template.NewEngineFromFile(cfg.Mailer.Layout)
	if err != nil {
		return fmt.Errorf("failed to create template engine: %w", err)
	}

	tokens := token.NewSigner(cfg.Tokens.Secret, "drip")

	locker, closeLock, err := lock.New(ctx, cfg.Scheduler.Lock)
	if err != nil {
		return fmt.Errorf("failed to create scheduler lock: %w", err)
	}
	a.closeLock = closeLock

	clock := drip.SystemClock()

	driver := drip.NewDriver(drip.DriverConfig{
		From:      cfg.Mailer.From,
		FromName:  cfg.Mailer.FromName,
		ReplyTo:   cfg.Mailer.ReplyTo,
		PublicURL: cfg.Server.PublicURL,
		SendDelay: cfg.Scheduler.SendDelay,
	}, drip.DriverDeps{
		Engine:      engine,
		Logs:        a.logs,
		Mailer:      transport,
		Attachments: attachments,
		Tokens:      tokens,
		Limiter:     a.rateLimiter,
		Clock:       clock,
		Collector:   a.collector,
	}, logger)

	a.scheduler = drip.NewScheduler(drip.SchedulerConfig{
		Interval:   cfg.Scheduler.Interval,
		BatchSize:  cfg.Scheduler.BatchSize,
		ClaimTTL:   cfg.Scheduler.ClaimTTL,
		RetryDelay: cfg.Scheduler.RetryDelay,
	}, drip.SchedulerDeps{
		Sequences:   a.sequences,
		Enrollments: a.enrollments,
		Evaluator:   drip.NewEvaluator(a.sequences, a.subscribers, a.logs),
		Driver:      driver,
		Advancer:    drip.NewAdvancer(a.sequences, a.enrollments, clock, a.collector, logger),
		Locker:      locker,
		Clock:       clock,
		Collector:   a.collector,
	}, logger)

	a.manager = drip.NewManager(a.subscribers, a.sequences, a.enrollments, cfg, clock, a.collector, logger)

	var sandboxStorage *sandbox.Storage
	if cfg.Mailer.Transport == "sandbox" {
		sandboxStorage = a.sandboxStorage
	}

	a.apiServer, err = api.NewServer(&cfg.Server, api.Deps{
		Subscribers: a.subscribers,
		Sequences:   a.sequences,
		Enrollments: a.enrollments,
		Logs:        a.logs,
		Manager:     a.manager,
		Engine:      engine,
		Tokens:      tokens,
		Sandbox:     sandboxStorage,
		Limiter:     a.rateLimiter,
		Quota:       cfg.Quota,
		Collector:   a.collector,
		Clock:       clock,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	return nil
}

// Manager returns the enrollment manager
func (a *App) Manager() *drip.Manager { return a.manager }

// Subscribers returns the subscriber repository
func (a *App) Subscribers() *repository.SubscriberRepository { return a.subscribers }

// Sandbox returns the sandbox message storage
func (a *App) Sandbox() *sandbox.Storage { return a.sandboxStorage }

// Tick runs a single scheduler pass
func (a *App) Tick(ctx context.Context) (*drip.TickResult, error) {
	return a.scheduler.Tick(ctx)
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	logAttrs := []any{
		"api_addr", a.config.Server.ListenAddr,
		"transport", a.config.Mailer.Transport,
		"interval", a.config.Scheduler.Interval,
		"lock", a.config.Scheduler.Lock.Backend,
	}
	if a.metricsServer != nil {
		logAttrs = append(logAttrs, "metrics_addr", a.config.Metrics.ListenAddr)
	}
	a.logger.Info("starting drip", logAttrs...)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	a.scheduler.Start(ctx)

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the scheduler first so no tick is cut off by closing storage
	a.scheduler.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	return a.Close()
}

// Close persists counters and releases storage. It is also the cleanup
// path for CLI commands that never call Run.
func (a *App) Close() error {
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.closeLock(); err != nil {
		a.logger.Error("lock close error", "error", err)
	}

	if a.stateDB != nil {
		if err := a.stateDB.Close(); err != nil {
			a.logger.Error("state database close error", "error", err)
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}

	if a.logWriter != nil {
		return a.logWriter.Close()
	}
	return nil
}

// setupLogger creates a logger based on configuration. Output goes to a
// rotating file when logging.file is set. The returned closer is nil for stdout.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out, closer = rotating, rotating
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}
