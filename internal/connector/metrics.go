package connector

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/ledger-bridge/internal/infra/promutil"
)

// Metrics 记录 host 侧请求与协议噪声。
type Metrics struct {
	calls   *prometheus.CounterVec
	pending prometheus.Gauge
	ignored *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器，重复构造时复用已注册的指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_connector_calls_total",
			Help: "Requests sent to the remote context by result",
		}, []string{"action", "result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_connector_pending_calls",
			Help: "Requests waiting for a reply",
		}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_connector_ignored_messages_total",
			Help: "Inbound messages dropped before dispatch",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_connector_call_latency_ms",
			Help:    "Round trip latency of remote calls in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"action"}),
	}
	m.calls = promutil.Register(reg, m.calls)
	m.pending = promutil.Register(reg, m.pending)
	m.ignored = promutil.Register(reg, m.ignored)
	m.latency = promutil.Register(reg, m.latency)
	return m
}

func (m *Metrics) observeCall(action, result string, durMs float64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(action, result).Inc()
	m.latency.WithLabelValues(action).Observe(durMs)
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) incIgnored(reason string) {
	if m == nil {
		return
	}
	m.ignored.WithLabelValues(reason).Inc()
}
