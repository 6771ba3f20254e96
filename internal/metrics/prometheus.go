package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus holds all Prometheus metrics for a run.
type Prometheus struct {
	// Transaction counters
	TxTotal *prometheus.CounterVec

	// Gauges
	TargetTPS    prometheus.Gauge
	InFlight     prometheus.Gauge
	BucketTokens prometheus.Gauge
	Workers      prometheus.Gauge

	// Histograms
	SendLatency    prometheus.Histogram
	ConfirmLatency prometheus.Histogram

	// Error tracking
	ErrorsTotal    *prometheus.CounterVec
	FailoversTotal prometheus.Counter

	// Funding
	FundingTotal *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates and registers all metrics on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Prometheus{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txload_transactions_total",
				Help: "Transactions by outcome (sent, succeeded, failed)",
			},
			[]string{"status"},
		),

		TargetTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "txload_target_tps",
				Help: "Configured target submissions per second (0 = unlimited)",
			},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "txload_in_flight",
				Help: "Submissions currently awaiting a node response",
			},
		),

		BucketTokens: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "txload_bucket_tokens",
				Help: "Tokens currently available in the rate limiter",
			},
		),

		Workers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "txload_workers",
				Help: "Workers running in this process",
			},
		),

		SendLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "txload_send_latency_seconds",
				Help:    "Latency of accepted submissions",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 4},
			},
		),

		ConfirmLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "txload_confirmation_latency_seconds",
				Help:    "Time from acceptance to receipt",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txload_errors_total",
				Help: "Failed submissions by error class",
			},
			[]string{"class"},
		),

		FailoversTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "txload_failovers_total",
				Help: "Endpoint rotations after transient failures",
			},
		),

		FundingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txload_funding_transfers_total",
				Help: "Funding transfers by outcome",
			},
			[]string{"status"},
		),
	}
}

// RecordSent records an accepted submission.
func (m *Prometheus) RecordSent(latency time.Duration) {
	m.TxTotal.WithLabelValues("sent").Inc()
	m.SendLatency.Observe(latency.Seconds())
}

// RecordSucceeded records a confirmed transaction.
func (m *Prometheus) RecordSucceeded(latency time.Duration) {
	m.TxTotal.WithLabelValues("succeeded").Inc()
	m.ConfirmLatency.Observe(latency.Seconds())
}

// RecordFailed records a failed submission.
func (m *Prometheus) RecordFailed(class string) {
	m.TxTotal.WithLabelValues("failed").Inc()
	m.ErrorsTotal.WithLabelValues(class).Inc()
}

// RecordFailover records an endpoint rotation.
func (m *Prometheus) RecordFailover() {
	m.FailoversTotal.Inc()
}

// SetInFlight updates the in-flight gauge.
func (m *Prometheus) SetInFlight(n int64) {
	m.InFlight.Set(float64(n))
}

// RecordFunding records a funding transfer outcome ("funded" or "failed").
func (m *Prometheus) RecordFunding(status string, n int) {
	m.FundingTotal.WithLabelValues(status).Add(float64(n))
}
