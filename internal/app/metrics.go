package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfms/telematics-gateway/internal/metrics"
)

// NewMetrics initializes the Prometheus registry and business metrics.
func NewMetrics() (*prometheus.Registry, *metrics.AppMetrics) {
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	return reg, appm
}
