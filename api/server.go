package api

import (
	"context"
	"fmt"
	"net/http"

	"example.com/backstage/services/onboarding/api/middleware"
	"example.com/backstage/services/onboarding/api/routes"
	"example.com/backstage/services/onboarding/config"
	"example.com/backstage/services/onboarding/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP server
type Server struct {
	router     *gin.Engine
	config     *config.Config
	httpServer *http.Server
	log        *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(
	config *config.Config,
	log *logrus.Logger,
	nrApp *newrelic.Application,
	svc service.Service,
) *Server {
	gin.SetMode(config.Server.Mode)

	router := gin.New()
	router.MaxMultipartMemory = 8 << 20

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))

	if nrApp != nil {
		router.Use(middleware.NewRelicMiddleware(nrApp))
	}

	routes.SetupRoutes(router, svc, log, config.DocIntel.MaxFileSize)

	return &Server{
		router: router,
		config: config,
		log:    log,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", config.Server.Port),
			Handler: router,
		},
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Infof("Starting server on port %d", s.config.Server.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
