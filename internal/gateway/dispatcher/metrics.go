package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/ledger-bridge/internal/infra/promutil"
)

// Metrics 记录 remote 侧队列与设备会话的关键指标。
type Metrics struct {
	queueDepth prometheus.Gauge
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	ignored    *prometheus.CounterVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器，重复构造时复用已注册的指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_dispatcher_queue_depth",
			Help: "Number of requests waiting for the device",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_dispatcher_requests_total",
			Help: "Requests handled by action and result",
		}, []string{"action", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_dispatcher_session_latency_ms",
			Help:    "Latency of device sessions in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 5000, 15000, 60000, 120000},
		}, []string{"action"}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_dispatcher_ignored_messages_total",
			Help: "Inbound messages ignored without a reply",
		}, []string{"reason"}),
	}
	m.queueDepth = promutil.Register(reg, m.queueDepth)
	m.requests = promutil.Register(reg, m.requests)
	m.latency = promutil.Register(reg, m.latency)
	m.ignored = promutil.Register(reg, m.ignored)
	return m
}

func (m *Metrics) incQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

func (m *Metrics) decQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}

func (m *Metrics) incRequest(action, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(labelOrUnknown(action), result).Inc()
}

func (m *Metrics) observeLatency(action string, durMs float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(labelOrUnknown(action)).Observe(durMs)
}

func (m *Metrics) incIgnored(reason string) {
	if m == nil {
		return
	}
	m.ignored.WithLabelValues(reason).Inc()
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
