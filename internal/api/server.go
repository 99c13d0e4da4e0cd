// Package api exposes the consistency engine over HTTP. Authentication and
// session handling are upstream concerns; requests arrive with an
// X-Account-ID header already resolved by the caller.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bearing-app/consistency-engine/pkg/consistency"
	"github.com/bearing-app/consistency-engine/pkg/contentcache"
	"github.com/bearing-app/consistency-engine/pkg/observability"
)

// Server holds the HTTP layer's dependencies
type Server struct {
	checks *consistency.Service
	cache  *contentcache.Manager
	logger observability.Logger
	router *gin.Engine
}

// NewServer creates the HTTP server and registers routes
func NewServer(checks *consistency.Service, cache *contentcache.Manager, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &Server{
		checks: checks,
		cache:  cache,
		logger: logger.WithPrefix("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/healthz", s.HealthHandler)
	v1 := router.Group("/v1")
	{
		v1.POST("/manuscripts/:id/consistency-check", s.ConsistencyCheckHandler)
		v1.DELETE("/manuscripts/:id/cache", s.InvalidateCacheHandler)
	}

	s.router = router
	return s
}

// Handler returns the http.Handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set("request_id", requestID)
		c.Next()
		s.logger.Info("request", map[string]interface{}{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
		})
	}
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// accountID extracts the tenant scope from the request
func accountID(c *gin.Context) string {
	return c.GetHeader("X-Account-ID")
}
