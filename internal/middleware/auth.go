package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/auth"
)

// AuthMiddleware validates the Authorization header and attaches the caller
// identity to the gin context under "userID" and "userRole".
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		identity, err := verifier.Verify(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("userID", identity.UserID)
		c.Set("userRole", identity.Role)
		c.Next()
	}
}
