package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/legismail/internal/api"
	"github.com/foxzi/legismail/internal/config"
	"github.com/foxzi/legismail/internal/dkim"
	"github.com/foxzi/legismail/internal/history"
	"github.com/foxzi/legismail/internal/ingest"
	"github.com/foxzi/legismail/internal/mailer"
	"github.com/foxzi/legismail/internal/metrics"
	"github.com/foxzi/legismail/internal/ratelimit"
	"github.com/foxzi/legismail/internal/service"
	"github.com/foxzi/legismail/internal/store"
	legisTLS "github.com/foxzi/legismail/internal/tls"
)

// App is the main application
type App struct {
	config        *config.Config
	store         store.Store
	service       *service.Service
	apiServer     *api.Server
	metricsServer *metrics.Server
	limiter       *ratelimit.Limiter
	logger        *slog.Logger
}

// New wires every component from cfg. Logs go to logOutput.
func New(cfg *config.Config, version string, logOutput io.Writer) (*App, error) {
	logger := NewLogger(cfg.Logging, logOutput)

	st, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	resolver, err := mailer.NewResolver(cfg.SMTP.Providers, cfg.SMTP.Host, cfg.SMTP.Port)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to configure relays: %w", err)
	}
	if cfg.SMTP.Host != "" {
		logger.Info("all batches use the configured relay", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port)
	}

	relayTLS, err := legisTLS.RelayConfig(cfg.SMTP.CAFile, cfg.SMTP.InsecureSkipVerify)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to configure relay TLS: %w", err)
	}
	if cfg.SMTP.InsecureSkipVerify {
		logger.Warn("relay certificate verification disabled")
	}

	signer, err := dkim.NewSignerFromConfig(cfg.SMTP.DKIM)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	if signer != nil {
		logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
	}

	limiter, err := newLimiter(cfg.SMTP.RateLimit)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to configure sending quotas: %w", err)
	}
	if limiter != nil {
		logger.Info("sending quotas enabled", "state_path", cfg.SMTP.RateLimit.StatePath)
	}

	composer := mailer.NewComposer(cfg.Mail.Greeting, cfg.Mail.Closing)

	sender := mailer.New(mailer.Options{
		Timeout:   cfg.SMTP.Timeout,
		Hostname:  cfg.SMTP.Hostname,
		TLSConfig: relayTLS,
		Resolver:  resolver,
		Composer:  composer,
		Signer:    signer,
		Limiter:   limiter,
		Logger:    logger.With("component", "mailer"),
	})

	svc := service.New(service.Options{
		Store:               st,
		Mapper:              ingest.NewMapper(cfg.StrictImport()),
		Sender:              sender,
		Composer:            composer,
		History:             history.NewLogger(st, logger.With("component", "history")),
		RecordFailedBatches: cfg.History.RecordFailedBatches,
		Logger:              logger.With("component", "service"),
	})

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	apiServer := api.NewServer(svc, cfg, version, logger.With("component", "api"))

	return &App{
		config:        cfg,
		store:         st,
		service:       svc,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		limiter:       limiter,
		logger:        logger,
	}, nil
}

// newLimiter returns nil when quotas are disabled
func newLimiter(cfg config.RateLimitConfig) (*ratelimit.Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	convert := func(v *config.LimitValues) *ratelimit.Limit {
		if v == nil {
			return nil
		}
		return &ratelimit.Limit{MessagesPerHour: v.MessagesPerHour, MessagesPerDay: v.MessagesPerDay}
	}
	return ratelimit.New(ratelimit.Config{
		Sender:    convert(cfg.Sender),
		Relay:     convert(cfg.Relay),
		StatePath: cfg.StatePath,
	})
}

// Service returns the application core
func (a *App) Service() *service.Service {
	return a.service
}

// Logger returns the root logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts the servers and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting legismail",
		"api_addr", a.config.Server.ListenAddr,
		"storage", a.config.Storage.Driver,
		"import_mode", a.config.Import.Mode,
	)

	if a.config.HasTLS() {
		if info, err := legisTLS.GetCertificateInfo(a.config.Server.TLS.CertFile); err == nil && info.DaysLeft < 14 {
			a.logger.Warn("TLS certificate expires soon", "subject", info.Subject, "days_left", info.DaysLeft)
		}
	}

	if n, err := a.service.Count(ctx); err == nil {
		metrics.SetLegislatorsLoaded(n)
		a.logger.Info("legislators loaded", "count", n)
	}

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// In-flight batches finish before storage closes.
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// Close flushes quota counters and releases the store; used by one-shot
// CLI commands
func (a *App) Close() error {
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			a.logger.Error("quota state close error", "error", err)
		}
	}
	return a.store.Close()
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
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

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
