package devicetransport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/ledger-bridge/internal/infra/promutil"
)

// Metrics 暴露设备打开延迟、失败次数、熔断状态与 APDU 往返延迟。
type Metrics struct {
	openLatency     prometheus.Histogram
	openFailures    *prometheus.CounterVec
	breakerState    prometheus.Gauge
	exchangeLatency prometheus.Histogram
}

// NewMetrics 在注册器中注册设备连接指标，reg 为空则使用默认注册器，重复构造时复用已注册的指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		openLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "device",
			Name:      "open_latency_ms",
			Help:      "Time spent opening a device session in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		openFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "device",
			Name:      "open_failures_total",
			Help:      "Device session open failures by reason",
		}, []string{"reason"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "device",
			Name:      "breaker_state",
			Help:      "Device circuit breaker state (0 healthy, 1 degraded, 2 draining)",
		}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "device",
			Name:      "exchange_latency_ms",
			Help:      "APDU round trip latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 60000},
		}),
	}
	m.openLatency = promutil.Register(reg, m.openLatency)
	m.openFailures = promutil.Register(reg, m.openFailures)
	m.breakerState = promutil.Register(reg, m.breakerState)
	m.exchangeLatency = promutil.Register(reg, m.exchangeLatency)
	return m
}

func (m *Metrics) observeOpen(duration time.Duration) {
	m.openLatency.Observe(duration.Seconds() * 1000)
}

func (m *Metrics) incOpenFailure(reason string) {
	m.openFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) setBreaker(state breakerState) {
	m.breakerState.Set(state.gaugeValue())
}

func (m *Metrics) observeExchange(duration time.Duration) {
	m.exchangeLatency.Observe(duration.Seconds() * 1000)
}
