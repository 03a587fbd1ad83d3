package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDContextKey = "request_id"

// requestIDFromContext returns the id set by the request id middleware, or
// assigns one when the middleware is not installed.
func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(requestIDContextKey); id != "" {
		return id
	}
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDContextKey, id)
	return id
}

// userIDFromContext returns the authenticated caller, or nil on public routes.
func userIDFromContext(c *gin.Context) *int64 {
	if id := c.GetInt64("userID"); id > 0 {
		return &id
	}
	return nil
}
