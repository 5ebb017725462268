// Package middleware holds gin middleware for the admin API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// DeviceAuth requires "Authorization: Bearer <token>". An empty token
// disables the check.
func DeviceAuth(token string) gin.HandlerFunc {
	if token == "" {
		log.Warn("No device token configured, admin API is unauthenticated")
		return func(c *gin.Context) { c.Next() }
	}
	expected := []byte(token)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		given, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(given), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing device token"})
			return
		}
		c.Next()
	}
}

// Logger logs each request through logrus.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("Request failed")
		default:
			entry.Debug("Request handled")
		}
	}
}
