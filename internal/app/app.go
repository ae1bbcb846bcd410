package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"keygate/internal/audit"
	"keygate/internal/config"
	"keygate/internal/domain"
	"keygate/internal/download"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/notify"
	"keygate/internal/store"
	handlers "keygate/internal/transport/http"
)

// Version is the service version reported on the health endpoint.
const Version = "1.0.0"

// Application is the dependency container for the entitlement service.
type Application struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *gorm.DB
	Stores   *store.Stores
	Registry *prometheus.Registry
	Metrics  *infrastructure.Metrics
	Audit    *audit.Logger
	Notifier notify.Notifier

	Validator *license.Validator
	Admin     *license.Admin
	Downloads *download.Service

	Router *chi.Mux
	Server *http.Server
}

// NewApplication loads configuration and wires every component.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port))

	app := &Application{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices opens storage and builds the service graph.
func (a *Application) initializeServices() error {
	db, err := store.Open(a.Config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = db
	a.Stores = store.NewStores(db)

	a.Registry = prometheus.NewRegistry()
	a.Metrics = infrastructure.NewMetrics(a.Registry)

	// Audit write failures feed the dropped-entry counter.
	a.Audit = audit.NewLogger(a.Stores.Audit, a.Logger, func(_ *domain.AuditEntry, _ error) {
		a.Metrics.AuditDropped.Inc()
	})

	a.Notifier = notify.NewLogNotifier(a.Logger)

	a.Validator = license.NewValidator(a.Stores, a.Audit, a.Notifier, a.Logger,
		license.WithMetrics(a.Metrics))
	a.Admin = license.NewAdmin(a.Stores, a.Audit, a.Logger)

	signer := download.NewURLSigner(a.Config.Artifact.BaseURL, a.Config.Artifact.SigningSecret)
	a.Downloads = download.NewService(a.Stores, signer, a.Audit, a.Logger,
		a.Config.Artifact.FileName,
		download.WithMetrics(a.Metrics),
		download.WithTokenTTL(a.Config.Limits.TokenTTL),
		download.WithRequestGap(a.Config.Limits.TokenRequestGap),
	)

	return nil
}

// setupRouter configures the HTTP router and middleware chain.
func (a *Application) setupRouter() {
	retries := a.Config.Limits.StorageRetries
	retryWait := a.Config.Limits.StorageRetryWait

	validateHandler := handlers.NewValidateHandler(a.Validator, a.Logger, retries, retryWait)
	downloadHandler := handlers.NewDownloadHandler(a.Downloads, a.Logger, retries, retryWait)
	adminHandler := handlers.NewAdminHandler(a.Admin, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.DB, Version, a.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Metrics(a.Metrics))
		r.Use(middleware.StructuredLogger(a.Logger))
		r.Use(middleware.Recoverer(a.Logger))
		r.Use(middleware.SecurityHeaders)
		r.Use(middleware.NewRateLimiter(
			a.Config.Limits.RequestsPerSec,
			a.Config.Limits.RequestBurst,
			a.Logger,
		).Handler)

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Mount("/", validateHandler.Routes())
			r.Mount("/downloads", downloadHandler.APIRoutes())
			r.Mount("/admin", adminHandler.Routes())
			r.Mount("/health", healthHandler.Routes())
		})

		// Browser-facing redemption links.
		r.Mount("/d", downloadHandler.RedeemRoutes())
	})

	// Metrics stay outside the middleware group.
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	a.Router = r
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves until the context is canceled or a signal arrives, then
// shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(ctx, "server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully stops the server, flushes the audit queue, and closes
// the database handle.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	// Drain queued audit entries before the database goes away.
	a.Audit.Close()

	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "error closing database", slog.String("error", err.Error()))
		}
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.ErrorContext(ctx, "error closing log file", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return nil
}
