package callback

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/bmpipe/internal/metrics"
)

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"remote":   c.ClientIP(),
			"duration": time.Since(start).String(),
		})

		if c.Writer.Status() >= 500 {
			entry.Warn("request failed")
			return
		}

		entry.Debug("request served")
	}
}

func countResponses() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		metrics.CallbackRequestCounter.With(
			map[string]string{"code": strconv.Itoa(c.Writer.Status())},
		).Inc()
	}
}
