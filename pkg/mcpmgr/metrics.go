package mcpmgr

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by a Manager. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	servers  *prometheus.GaugeVec
	pushes   *prometheus.CounterVec
}

// NewMetrics creates the manager collectors and registers them with reg
// when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "requests_total",
			Help:      "JSON-RPC requests sent to MCP servers by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcphub",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a JSON-RPC request to its resolution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		servers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcphub",
			Name:      "servers",
			Help:      "Managed MCP servers by connection status.",
		}, []string{"status"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "server_requests_total",
			Help:      "Server-initiated JSON-RPC requests by method and whether a handler took them.",
		}, []string{"method", "handled"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.servers, m.pushes)
	}
	return m
}

func (m *Metrics) observeRequest(method string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcomeOf(err)).Inc()
	m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observePush(method string, handled bool) {
	if m == nil {
		return
	}
	label := "false"
	if handled {
		label = "true"
	}
	m.pushes.WithLabelValues(method, label).Inc()
}

func (m *Metrics) setServerCounts(counts map[ConnectionStatus]int) {
	if m == nil {
		return
	}
	for _, status := range []ConnectionStatus{StatusDisconnected, StatusConnecting, StatusAuthenticating, StatusConnected, StatusError} {
		m.servers.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func outcomeOf(err error) string {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrConnectionLost):
		return "disconnected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport_error"
	}
}
