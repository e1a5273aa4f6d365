package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/pkg/models"
)

const scopeContextKey = "runforge.scope"

// Scope headers. Authentication happens upstream (gateway or sidecar);
// these headers carry the already-verified identity.
const (
	headerOrgID     = "X-Org-ID"
	headerUserID    = "X-User-ID"
	headerProjectID = "X-Project-ID"
)

// requireScope extracts the tenancy scope from request headers and
// rejects requests without the mandatory org and user.
func requireScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := models.Scope{
			OrgID:  c.GetHeader(headerOrgID),
			UserID: c.GetHeader(headerUserID),
		}
		if p := c.GetHeader(headerProjectID); p != "" {
			scope.ProjectID = &p
		}
		if !scope.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "missing scope headers: X-Org-ID and X-User-ID are required",
			})
			return
		}
		c.Set(scopeContextKey, scope)
		c.Next()
	}
}

// requestScope returns the scope stored by requireScope.
func requestScope(c *gin.Context) models.Scope {
	v, _ := c.Get(scopeContextKey)
	scope, _ := v.(models.Scope)
	return scope
}

// requestLogger logs one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if org := c.GetHeader(headerOrgID); org != "" {
			attrs = append(attrs, "org_id", org)
		}
		switch {
		case c.Writer.Status() >= 500:
			slog.Error("request", attrs...)
		case c.Writer.Status() >= 400:
			slog.Warn("request", attrs...)
		default:
			slog.Info("request", attrs...)
		}
	}
}
