package tcpserver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ConnectionLimiter caps a port's concurrent connections with a semaphore,
// sized from GatewayConfig.MaxConnectionsPerPort (50000 by default, enough
// headroom for a large GT06/Teltonika fleet on one port).
type ConnectionLimiter struct {
	sem           chan struct{}
	timeout       time.Duration
	maxConn       int
	activeCount   atomic.Int64
	rejectedCount atomic.Int64
}

// NewConnectionLimiter builds a limiter for maxConn concurrent holders;
// timeout bounds how long Acquire waits for a free slot.
func NewConnectionLimiter(maxConn int, timeout time.Duration) *ConnectionLimiter {
	if maxConn <= 0 {
		maxConn = 10000
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &ConnectionLimiter{
		sem:     make(chan struct{}, maxConn),
		timeout: timeout,
		maxConn: maxConn,
	}
}

// Acquire blocks for a free slot up to l.timeout.
func (l *ConnectionLimiter) Acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
		l.activeCount.Add(1)
		return nil
	case <-ctx.Done():
		l.rejectedCount.Add(1)
		return fmt.Errorf("connection limit exceeded: max=%d", l.maxConn)
	}
}

// Release frees one slot.
func (l *ConnectionLimiter) Release() {
	select {
	case <-l.sem:
		l.activeCount.Add(-1)
	default:
		// Release without a matching Acquire; ignore.
	}
}

// Current returns the number of currently held slots.
func (l *ConnectionLimiter) Current() int {
	return int(l.activeCount.Load())
}

// Available returns the number of free slots.
func (l *ConnectionLimiter) Available() int {
	return l.maxConn - l.Current()
}

// MaxConnections returns the configured ceiling.
func (l *ConnectionLimiter) MaxConnections() int {
	return l.maxConn
}

// RejectedCount returns the cumulative number of Acquire timeouts.
func (l *ConnectionLimiter) RejectedCount() int64 {
	return l.rejectedCount.Load()
}

// Stats snapshots the limiter's counters for the health/admin surface.
func (l *ConnectionLimiter) Stats() LimiterStats {
	return LimiterStats{
		MaxConnections:    l.maxConn,
		ActiveConnections: l.Current(),
		RejectedTotal:     l.RejectedCount(),
		Utilization:       float64(l.Current()) / float64(l.maxConn),
	}
}

// LimiterStats is the JSON-serialisable snapshot exposed by Stats.
type LimiterStats struct {
	MaxConnections    int     `json:"max_connections"`
	ActiveConnections int     `json:"active_connections"`
	RejectedTotal     int64   `json:"rejected_total"`
	Utilization       float64 `json:"utilization"` // 0.0 - 1.0
}
