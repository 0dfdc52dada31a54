package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry builds a Prometheus registry with the standard Go and
// process collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler that serves the registry's metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics holds the gateway's business metrics: frame throughput
// per protocol, checksum failures, command dispatch, presence, and
// webhook fan-out.
type AppMetrics struct {
	TCPAccepted             prometheus.Counter
	TCPBytesReceived        prometheus.Counter
	GT06FramesTotal         *prometheus.CounterVec // labels: type, result=ok|error
	TeltonikaFramesTotal    *prometheus.CounterVec // labels: type, result=ok|error
	ChecksumFailuresTotal   *prometheus.CounterVec // labels: protocol
	CommandsDispatchedTotal *prometheus.CounterVec // labels: protocol, result=ok|error
	WebhookFailuresTotal    *prometheus.CounterVec // labels: reason
	OnlineGauge             prometheus.Gauge       // devices currently online
	HeartbeatTotal          prometheus.Counter
	GT06ConnsActive         prometheus.Gauge
	TeltonikaConnsActive    prometheus.Gauge
}

// NewAppMetrics registers and returns the business metrics.
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		TCPAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_accept_total",
			Help: "Total accepted TCP connections.",
		}),
		TCPBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_received_total",
			Help: "Total bytes received over TCP.",
		}),
		GT06FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gt06_frames_total",
			Help: "GT06 frames decoded, by packet type and result.",
		}, []string{"type", "result"}),
		TeltonikaFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teltonika_frames_total",
			Help: "Teltonika frames decoded, by packet type and result.",
		}, []string{"type", "result"}),
		ChecksumFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checksum_failures_total",
			Help: "Frames dropped for checksum mismatch, by protocol.",
		}, []string{"protocol"}),
		CommandsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_dispatched_total",
			Help: "Queued commands written to a device socket, by protocol and result.",
		}, []string{"protocol", "result"}),
		WebhookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_failures_total",
			Help: "Webhook forward attempts that did not reach 2xx, by reason.",
		}, []string{"reason"}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_online_count",
			Help: "Current number of online devices.",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_heartbeat_total",
			Help: "Total heartbeats observed.",
		}),
		GT06ConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gt06_connections_active",
			Help: "Open TCP connections on the GT06 port.",
		}),
		TeltonikaConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teltonika_connections_active",
			Help: "Open TCP connections on the Teltonika port.",
		}),
	}
	reg.MustRegister(
		m.TCPAccepted, m.TCPBytesReceived,
		m.GT06FramesTotal, m.TeltonikaFramesTotal,
		m.ChecksumFailuresTotal, m.CommandsDispatchedTotal, m.WebhookFailuresTotal,
		m.OnlineGauge, m.HeartbeatTotal,
		m.GT06ConnsActive, m.TeltonikaConnsActive,
	)
	return m
}
