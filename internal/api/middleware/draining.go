package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JobGate reports whether the daemon still takes new work.
// *shutdown.Manager implements it.
type JobGate interface {
	IsAcceptingJobs() bool
}

// RefuseWhenDraining answers state-changing requests with 503 once shutdown
// has started. Reads still succeed so clients can watch the drain.
func RefuseWhenDraining(gate JobGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gate == nil || isReadOnly(c.Request.Method) || gate.IsAcceptingJobs() {
			c.Next()
			return
		}
		c.Header("Connection", "close")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "daemon is shutting down"})
	}
}
