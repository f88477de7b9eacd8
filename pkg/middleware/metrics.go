package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/nao1215/userhub/pkg/metrics"
)

// CountRequests は受け付けたリクエストを数えるGinミドルウェアを返す。
func CountRequests(counters *metrics.Counters) gin.HandlerFunc {
	return func(c *gin.Context) {
		counters.IncRequests()
		c.Next()
	}
}
