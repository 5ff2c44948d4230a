package middleware

import (
	"github.com/gin-gonic/gin"

	"frameworks/pkg/logging"
)

// SetupCommonMiddleware installs request id, access logging, panic recovery
// and CORS, in that order.
func SetupCommonMiddleware(r *gin.Engine, logger logging.Logger) {
	r.Use(
		RequestIDMiddleware(),
		LoggingMiddleware(logger),
		RecoveryMiddleware(logger),
		CORSMiddleware(),
	)
}

// GetRequestID returns the id RequestIDMiddleware stored, or ""
func GetRequestID(c *gin.Context) string {
	id, _ := c.Get(requestIDKey)
	s, _ := id.(string)
	return s
}

// RequestLogger scopes logger to the request so handler logs can be
// correlated with the access log line.
func RequestLogger(c *gin.Context, logger logging.Logger) logging.Entry {
	fields := logging.Fields{
		"request_id": GetRequestID(c),
		"path":       c.FullPath(),
	}
	if fields["path"] == "" {
		fields["path"] = c.Request.URL.Path
	}
	return logging.OrDiscard(logger).WithFields(fields)
}
