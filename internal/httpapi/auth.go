package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderSharedSecret authenticates platform callers. The engine sits
// behind the platform backend, not the public internet, so a single
// shared secret is the whole auth story.
const HeaderSharedSecret = "X-Dialcast-Secret"

func RequireSharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderSharedSecret)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing shared secret"})
			return
		}
		c.Next()
	}
}
