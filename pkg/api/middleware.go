package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// bearerAuth enforces the single static API token. An empty configured token
// disables authentication.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if !tokenMatches(c, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// tokenMatches accepts the token from the Authorization header or, for
// EventSource clients that cannot set headers, the access_token query
// parameter.
func tokenMatches(c *gin.Context, token string) bool {
	header := c.GetHeader("Authorization")
	if presented, ok := strings.CutPrefix(header, "Bearer "); ok {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
	}
	if presented := c.Query("access_token"); presented != "" {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
	}
	return false
}

// requestLogger logs one line per request with latency and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
