package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BusinessMetrics 定义业务监控指标
type BusinessMetrics struct {
	ConnectionsActive     *prometheus.GaugeVec
	SignRequestsTotal     *prometheus.CounterVec
	BundleJobsTotal       *prometheus.CounterVec
	RelayAttemptsTotal    *prometheus.CounterVec
	SubmissionsTotal      *prometheus.CounterVec
	PollCyclesTotal       *prometheus.CounterVec
	ConsolidationDuration *prometheus.HistogramVec
	TipFloorLamports      prometheus.Gauge
}

// Business 在包加载时即创建 (未注册到 registry 也可以安全调用)，
// 这样各 service 在单元测试里不需要先调用 Init
var Business = newBusinessMetrics()

func newBusinessMetrics() *BusinessMetrics {
	return &BusinessMetrics{
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Active authenticated socket connections",
		}, []string{"role"}),
		SignRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sign_requests_total",
			Help: "Single-transaction sign requests by outcome",
		}, []string{"outcome"}),
		BundleJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bundle_jobs_total",
			Help: "Bundle signing jobs by type and outcome",
		}, []string{"type", "outcome"}),
		RelayAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_attempts_total",
			Help: "Redundant relay submission attempts",
		}, []string{"endpoint", "result"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_submissions_total",
			Help: "Transaction submissions by path and result",
		}, []string{"path", "result"}),
		PollCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_balance_poll_cycles_total",
			Help: "Balance poll cycles by result",
		}, []string{"result"}),
		ConsolidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_consolidation_duration_seconds",
			Help:    "Duration from signed bundle hand-off to verification outcome",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90},
		}, []string{"outcome"}),
		TipFloorLamports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_tip_floor_lamports",
			Help: "Most recently observed relay tip floor",
		}),
	}
}

func (m *BusinessMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsActive,
		m.SignRequestsTotal,
		m.BundleJobsTotal,
		m.RelayAttemptsTotal,
		m.SubmissionsTotal,
		m.PollCyclesTotal,
		m.ConsolidationDuration,
		m.TipFloorLamports,
	}
}
