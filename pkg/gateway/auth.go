package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// bearerAuth requires "Authorization: Bearer <secret>" or, for clients that
// cannot set headers, a token query parameter.
func bearerAuth(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid or missing token", Code: "UNAUTHORIZED"})
			return
		}
		c.Next()
	}
}
