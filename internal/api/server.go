package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/legismail/internal/config"
	"github.com/foxzi/legismail/internal/ipfilter"
	"github.com/foxzi/legismail/internal/mailer"
	"github.com/foxzi/legismail/internal/metrics"
	"github.com/foxzi/legismail/internal/models"
	"github.com/foxzi/legismail/internal/service"
	legisTLS "github.com/foxzi/legismail/internal/tls"
)

// Service is the application core the handlers call into
type Service interface {
	Import(ctx context.Context, filename string, r io.Reader) (*models.ImportResult, error)
	Legislators(ctx context.Context, c models.Criteria) ([]models.Legislator, error)
	Facets(ctx context.Context) (models.Facets, error)
	Send(ctx context.Context, req *service.SendRequest) (*mailer.Result, error)
	History(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	ResolveSMTP(senderEmail string) (mailer.Endpoint, bool)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	svc        Service
	config     *config.Config
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(svc Service, cfg *config.Config, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		config:    cfg,
		version:   version,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	if s.config.API.TrustProxyHeaders {
		s.router.Use(middleware.RealIP)
	}
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		// RealIP has already rewritten RemoteAddr when proxies are trusted.
		r.Use(ipfilter.New(s.config.API.AllowedIPs, s.logger).HTTPMiddleware)
		r.Use(s.authMiddleware)

		r.Post("/legislators/upload", s.handleUpload)
		r.Get("/legislators", s.handleLegislators)
		r.Get("/legislators/facets", s.handleFacets)
		r.Post("/send", s.handleSend)
		r.Get("/history", s.handleHistory)
		r.Get("/smtp/resolve", s.handleResolve)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	cfg := s.config.Server
	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	if s.config.HasTLS() {
		tlsConfig, err := legisTLS.LoadCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = tlsConfig

		s.logger.Info("starting HTTPS API server", "addr", cfg.ListenAddr)
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", cfg.ListenAddr)
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
