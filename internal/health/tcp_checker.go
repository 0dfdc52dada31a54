package health

import (
	"context"
	"fmt"
	"time"

	"github.com/openfms/telematics-gateway/internal/tcpserver"
)

// TCPChecker reports on one protocol port's acceptor (GT06 or
// Teltonika); the gateway registers one per listening port.
type TCPChecker struct {
	name   string
	server *tcpserver.Server
}

// NewTCPChecker creates a checker for one named TCP acceptor.
func NewTCPChecker(name string, server *tcpserver.Server) *TCPChecker {
	return &TCPChecker{name: name, server: server}
}

func (c *TCPChecker) Name() string {
	return c.name
}

func (c *TCPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	activeConns := c.server.ActiveConnections()
	maxConns := c.server.MaxConnections()

	// No connection cap configured: report healthy with just the count.
	if maxConns == 0 {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "no limiting enabled",
			Details: map[string]interface{}{
				"active_connections": activeConns,
			},
			Latency: time.Since(start),
		}
	}

	utilization := float64(activeConns) / float64(maxConns)

	status := StatusHealthy
	message := "ok"

	if utilization > 0.8 {
		status = StatusDegraded
		message = "high connection usage"
	}

	if utilization > 0.95 {
		status = StatusUnhealthy
		message = "connection limit near exhausted"
	}

	details := map[string]interface{}{
		"active_connections": activeConns,
		"max_connections":    maxConns,
		"utilization":        fmt.Sprintf("%.1f%%", utilization*100),
	}

	if limiterStats := c.server.GetLimiterStats(); limiterStats != nil {
		details["rejected_total"] = limiterStats.RejectedTotal
	}

	if breakerStats := c.server.GetCircuitBreakerStats(); breakerStats != nil {
		details["circuit_breaker_state"] = breakerStats.State
		details["circuit_breaker_failures"] = breakerStats.FailureCount
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: details,
		Latency: time.Since(start),
	}
}
