package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UserIDHeader identifies the user on whose behalf a request is made.
// Authentication happens upstream; the gateway forwards the resolved id.
const UserIDHeader = "X-User-ID"

// contextKey is a type for context keys
type contextKey string

// UserIDContextKey stores the caller's user id in the gin context
const UserIDContextKey contextKey = "user_id"

// RequireUser rejects requests without a user id header
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "X-User-ID header required",
			})
			c.Abort()
			return
		}

		c.Set(string(UserIDContextKey), userID)
		c.Next()
	}
}

// GetUserID returns the user id stored by RequireUser
func GetUserID(c *gin.Context) string {
	return c.GetString(string(UserIDContextKey))
}
