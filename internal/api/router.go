package api

import (
	"github.com/creatorlens/creatorlens/internal/api/handlers"
	"github.com/creatorlens/creatorlens/internal/api/middleware"
	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	Config  *config.Config
	Router  *gin.Engine
	handler *handlers.Handler
	logger  *zap.Logger
}

// NewServer builds the tenant-facing API: job submission, status, cancel
// and wallet, all behind JWT auth.
func NewServer(cfg *config.Config, handler *handlers.Handler, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config:  cfg,
		Router:  router,
		handler: handler,
		logger:  logger,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.handler.Health)
	s.Router.GET("/ready", s.handler.Ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.Config.JWTSecret))
	{
		api.POST("/jobs", s.handler.SubmitJob)
		api.GET("/jobs", s.handler.ListJobs)
		api.GET("/jobs/:id", s.handler.GetJobStatus)
		api.POST("/jobs/:id/cancel", s.handler.CancelJob)
		api.GET("/wallet", s.handler.GetWallet)
	}
}

// NewOpsServer builds the operator surface served from the worker
// process, where breaker state actually lives. It is meant for an
// internal port, not the public edge.
func NewOpsServer(cfg *config.Config, handler *handlers.Handler, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())

	server := &Server{
		Config:  cfg,
		Router:  router,
		handler: handler,
		logger:  logger,
	}

	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := router.Group("/admin")
	{
		admin.GET("/dead-letters", handler.ListDeadLetters)
		admin.POST("/dead-letters/:id/retry", handler.RetryDeadLetter)
		admin.GET("/breakers", handler.ListBreakers)
		admin.POST("/breakers/:name/reset", handler.ResetBreaker)
		admin.GET("/ledger/intents/:id/verify", handler.VerifyIntent)
	}

	return server
}
