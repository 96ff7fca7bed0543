package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	logx "triggerd/pkg/logx"
)

const (
	userIDHeader = "X-User-ID"
	userIDKey    = "user_id"
)

func bearerAuth(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// requireUser reads the caller id set by the upstream auth proxy.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(userIDHeader))
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + userIDHeader})
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

func userID(c *gin.Context) int64 { return c.GetInt64(userIDKey) }

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}
