package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/auth"
)

// TokenValidator resolves a bearer token to the caller's user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

// AuthMiddleware validates the Authorization header and stores the caller id
// under "userID".
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, err := auth.ParseBearerToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		userID, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("userID", userID)
		c.Next()
	}
}
