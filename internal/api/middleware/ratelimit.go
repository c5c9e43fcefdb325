package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimit limits state-changing requests per client IP. GET, HEAD and
// OPTIONS requests pass through unlimited so status polling and the event
// stream are never throttled. A non-positive limit disables the middleware.
func RateLimit(requests int64, period time.Duration) gin.HandlerFunc {
	if requests <= 0 || period <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	instance := limiter.New(memory.NewStore(), limiter.Rate{
		Period: period,
		Limit:  requests,
	})
	limit := mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		}),
	)

	return func(c *gin.Context) {
		if isReadOnly(c.Request.Method) {
			c.Next()
			return
		}
		limit(c)
	}
}

func isReadOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
