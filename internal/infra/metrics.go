package infra

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trade-settlement-service/internal/domain"
)

const metricsNamespace = "trade_settlement"

// PrometheusMetrics はサービスの操作結果と統計をPrometheusへ公開する。
type PrometheusMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	volume     prometheus.Gauge
	value      prometheus.Gauge
	tradeCount prometheus.Gauge
	paused     prometheus.Gauge
}

// NewPrometheusMetrics はコレクターを生成してregistererに登録する。
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Number of service operations by result code.",
		}, []string{"operation", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		volume: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "settled_volume",
			Help:      "Total quantity of settled trades.",
		}),
		value: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "settled_value",
			Help:      "Total payment value of settled trades.",
		}),
		tradeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "settled_trades",
			Help:      "Number of settled trades.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "paused",
			Help:      "1 while the platform is paused.",
		}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.duration, m.volume, m.value, m.tradeCount, m.paused} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveOperation は操作の結果と所要時間を記録する。
func (m *PrometheusMetrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	code := domain.ErrorCode(err)
	if code == "" {
		code = "OK"
	}
	m.operations.WithLabelValues(operation, code).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordStats は累積統計をゲージへ反映する。
func (m *PrometheusMetrics) RecordStats(stats *domain.PlatformStats) {
	m.volume.Set(float64(stats.Volume))
	m.value.Set(stats.Value.InexactFloat64())
	m.tradeCount.Set(float64(stats.TradeCount))
}

// RecordPaused は停止状態をゲージへ反映する。
func (m *PrometheusMetrics) RecordPaused(paused bool) {
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}
