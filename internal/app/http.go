package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
	"github.com/openfms/telematics-gateway/internal/httpserver"
)

// NewHTTPServer builds the admin HTTP server and its gin engine,
// pre-registering the liveness/readiness probes and the metrics
// endpoint. Callers mount the admin API's own routes on the returned
// engine before starting the server.
func NewHTTPServer(cfg cfgpkg.APIConfig, metricsPath string, metricsHandler http.Handler, readyFn func() bool) (*httpserver.Server, *gin.Engine) {
	srv, r := httpserver.New(cfg)

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/readyz", func(c *gin.Context) {
		if readyFn == nil || readyFn() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	return srv, r
}
