package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dm-service/internal/telemetry"
)

// SessionCounter reports live sessions held by this instance.
type SessionCounter interface {
	Active() int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, sessions SessionCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		level := strings.ToUpper(c.DefaultQuery("level", "INFO"))
		emitter.Emit(c.Request.Context(), level, c.DefaultQuery("text", "audit test"), requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/sessions", func(c *gin.Context) {
		if sessions == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session registry not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": sessions.Active()})
	})
}
