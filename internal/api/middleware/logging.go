package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// LogApi writes one access-log line per request. Paths in skip (probes,
// scrapes) are not logged.
func LogApi(skip ...string) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: skip,
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[%s] | %s | %d | %s | %s | %s | %s | %s | %s\n",
				param.TimeStamp.Format("2006-01-02 15:04:05"),
				param.ClientIP,
				param.StatusCode,
				param.Method,
				param.Path,
				param.Request.UserAgent(),
				param.ErrorMessage,
				param.Latency,
				param.Request.Proto,
			)
		},
	})
}
