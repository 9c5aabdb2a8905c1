package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/geoexchange/pkigateway/internal/config"
	"github.com/geoexchange/pkigateway/internal/middleware"
	"github.com/geoexchange/pkigateway/internal/observability"
)

var ginModeOnce sync.Once

// Server hosts the proxy endpoints and the admin API on one listener.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	logger     *zap.Logger

	shutdownTimeout time.Duration
}

// ServerDeps carries the handlers the server mounts.
type ServerDeps struct {
	Proxy   *ProxyHandler
	Admin   *AdminHandler
	Metrics *observability.Metrics
}

// NewServer builds the gin engine, middleware stack, and routes.
func NewServer(cfg *config.Config, deps ServerDeps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logging(logger))
	engine.Use(middleware.Recovery(logger))

	if cfg.RateLimit.Enabled {
		engine.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			SkipPaths:         []string{"/healthz", "/metrics"},
			Logger:            logger,
		}))
	}

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.Metrics.Enabled && deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	if deps.Proxy != nil {
		engine.Any("/pki/*dest", deps.Proxy.HandleRouted)
		engine.Any("/proxy/", deps.Proxy.HandleLegacy)
	}

	if deps.Admin != nil {
		api := engine.Group("/api")
		api.GET("/profiles", deps.Admin.ListProfiles)
		api.POST("/profiles", deps.Admin.CreateProfile)
		api.GET("/profiles/:id", deps.Admin.GetProfile)
		api.PUT("/profiles/:id", deps.Admin.UpdateProfile)
		api.DELETE("/profiles/:id", deps.Admin.DeleteProfile)
		api.GET("/mappings", deps.Admin.ListMappings)
		api.POST("/mappings", deps.Admin.CreateMapping)
		api.PUT("/mappings/:pattern", deps.Admin.UpdateMapping)
		api.DELETE("/mappings/:pattern", deps.Admin.DeleteMapping)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		engine:          engine,
		logger:          logger,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	}
}

// Handler returns the underlying handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	s.logger.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}
