// Package app wires configuration, storage, authentication and HTTP routes
// into a runnable server.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gitpond/lfs-server/internal/module/auth"
	"github.com/gitpond/lfs-server/internal/module/auth/github"
	"github.com/gitpond/lfs-server/internal/module/lfs"
	"github.com/gitpond/lfs-server/internal/module/storage"
	"github.com/gitpond/lfs-server/internal/module/transfer"
	"github.com/gitpond/lfs-server/internal/shared/config"
	"github.com/gitpond/lfs-server/internal/shared/logger"
	"github.com/gitpond/lfs-server/internal/shared/metrics"
	"github.com/gitpond/lfs-server/internal/shared/middleware"
)

// Application bundles the wired server components.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger
	router *gin.Engine
}

// New builds the application from configuration.
func New(cfg *config.Config) (*Application, error) {
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	backend, err := buildStorage(context.Background(), cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build storage: %w", err)
	}

	chain, err := buildAuthChain(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build auth chain: %w", err)
	}

	registry, streaming := buildTransfers(cfg, backend, chain)

	registerer := prometheus.NewRegistry()
	registerer.MustRegister(collectors.NewGoCollector())
	registerer.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("gitlfs", registerer)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.Recovery(log),
		middleware.RequestID(),
		middleware.Logging(log),
		middleware.Metrics(m),
	)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registerer, promhttp.HandlerOpts{})))

	verifier, _ := backend.(storage.VerifiableStorage)
	api := router.Group("/", chain.Middleware())
	lfs.RegisterRoutes(api,
		lfs.NewBatchHandler(registry, m, log),
		lfs.NewObjectsHandler(streaming, verifier, log),
		cfg.Server.LegacyEndpoints)

	return &Application{cfg: cfg, logger: log, router: router}, nil
}

// Router returns the HTTP handler.
func (a *Application) Router() http.Handler {
	return a.router
}

// Logger returns the application logger.
func (a *Application) Logger() *zap.Logger {
	return a.logger
}

// Stop flushes buffered log output.
func (a *Application) Stop() {
	_ = a.logger.Sync()
}

// buildStorage constructs the configured storage backend.
func buildStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (any, error) {
	switch cfg.Storage.Backend {
	case config.BackendLocal:
		return storage.NewLocalStorage(cfg.Storage.Local)
	case config.BackendS3:
		return storage.NewS3Storage(ctx, cfg.Storage.S3)
	case config.BackendAzure:
		return storage.NewAzureBlobStorage(cfg.Storage.Azure, log)
	case config.BackendGCS:
		return storage.NewGCSStorage(ctx, cfg.Storage.GCS)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildAuthChain assembles the authenticator chain from configuration.
func buildAuthChain(cfg *config.Config, log *zap.Logger) (*auth.Chain, error) {
	chain := auth.NewChain(log)

	if cfg.Auth.GitHub != nil {
		gh, err := github.New(*cfg.Auth.GitHub, log)
		if err != nil {
			return nil, err
		}
		chain.Push(gh)
	}
	if cfg.Auth.JWT != nil {
		jwtAuth, err := auth.NewJWTAuthenticator(*cfg.Auth.JWT, log)
		if err != nil {
			return nil, err
		}
		// The pre-auth provider goes first so its short-lived tokens are
		// honored ahead of the other authenticators.
		chain.SetPreauth(jwtAuth)
	}

	switch cfg.Auth.Anonymous {
	case config.AnonymousReadOnly:
		chain.Push(auth.AnonymousReadOnly{})
	case config.AnonymousReadWrite:
		chain.Push(auth.AnonymousReadWrite{})
	}
	return chain, nil
}

// buildTransfers registers the transfer adapters the backend supports and
// returns the streaming backend when the server should serve object bytes
// itself.
func buildTransfers(cfg *config.Config, backend any, chain *auth.Chain) (*transfer.Registry, storage.StreamingStorage) {
	preauth := transfer.NewPreauth(chain.Preauth())
	registry := transfer.NewRegistry()
	baseURL := cfg.Server.BaseURL

	var streaming storage.StreamingStorage

	// Prefer handing out direct storage URLs; fall back to streaming
	// through the server.
	if external, ok := backend.(storage.ExternalStorage); ok {
		registry.Register("basic", transfer.NewBasicExternalAdapter(external, preauth, baseURL, cfg.Transfer.ActionLifetime))
	} else if s, ok := backend.(storage.StreamingStorage); ok {
		streaming = s
		registry.Register("basic", transfer.NewBasicStreamingAdapter(s, preauth, baseURL, cfg.Transfer.ActionLifetime))
	}

	if multipart, ok := backend.(storage.MultipartStorage); ok && cfg.Transfer.EnableMultipart {
		registry.Register("multipart-basic", transfer.NewMultipartAdapter(multipart, preauth, baseURL, cfg.Transfer.MultipartLifetime, cfg.Transfer.MaxPartSize))
	}
	return registry, streaming
}
