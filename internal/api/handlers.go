package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bearing-app/consistency-engine/pkg/errors"
)

// Stable user-facing messages. Cache failures never surface here; a
// caching hiccup degrades to an uncached analysis invisibly.
const (
	msgUnavailable = "AI Service Temporarily Unavailable — please try again in a few minutes"
	msgBusy        = "The AI service is busy — please try again shortly"
)

type checkRequest struct {
	Content string `json:"content" binding:"required"`
}

// ConsistencyCheckHandler handles POST /v1/manuscripts/:id/consistency-check
func (s *Server) ConsistencyCheckHandler(c *gin.Context) {
	manuscriptID := c.Param("id")
	account := accountID(c)
	if account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Account-ID header"})
		return
	}

	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.checks.CheckManuscript(c.Request.Context(), manuscriptID, account, req.Content)
	if err != nil {
		status, msg := userFacing(err)
		s.logger.Error("consistency check failed", map[string]interface{}{
			"manuscript_id": manuscriptID,
			"code":          errors.CodeOf(err),
		})
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, result)
}

// InvalidateCacheHandler handles DELETE /v1/manuscripts/:id/cache.
// Invalidating a manuscript with no cache is a success, not a 404.
func (s *Server) InvalidateCacheHandler(c *gin.Context) {
	manuscriptID := c.Param("id")
	account := accountID(c)
	if account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Account-ID header"})
		return
	}

	if err := s.cache.InvalidateCache(c.Request.Context(), manuscriptID, account); err != nil {
		s.logger.Error("cache invalidation failed", map[string]interface{}{
			"manuscript_id": manuscriptID,
			"error":         err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to invalidate cache"})
		return
	}

	c.Status(http.StatusNoContent)
}

// userFacing maps a classified error to a response status and message
func userFacing(err error) (int, string) {
	switch errors.CodeOf(err) {
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests, msgBusy
	case errors.CodeInvalidRequest:
		return http.StatusBadRequest, "The manuscript could not be analyzed as submitted"
	case errors.CodePermissionDenied:
		return http.StatusForbidden, "The AI service rejected the request"
	default:
		return http.StatusServiceUnavailable, msgUnavailable
	}
}
