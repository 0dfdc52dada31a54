package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes mounts the aggregator's readiness, liveness, and
// detailed health endpoints on r.
func RegisterHTTPRoutes(r *gin.Engine, aggregator *Aggregator) {
	// Readiness probe (K8s).
	// GET /health/ready
	r.GET("/health/ready", func(c *gin.Context) {
		ctx := c.Request.Context()

		if !aggregator.Ready(ctx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"ready":  false,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"ready":  true,
		})
	})

	// Liveness probe (K8s).
	// GET /health/live
	r.GET("/health/live", func(c *gin.Context) {
		if !aggregator.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"alive": false,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alive": true,
		})
	})

	// Detailed health check.
	// GET /health
	r.GET("/health", func(c *gin.Context) {
		ctx := c.Request.Context()

		results := aggregator.CheckAll(ctx)
		overall := aggregator.OverallStatus(ctx)

		code := http.StatusOK
		if overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		// Degraded still returns 200: the system can serve.

		c.JSON(code, gin.H{
			"status":    overall,
			"timestamp": time.Now(),
			"checks":    results,
		})
	})
}
