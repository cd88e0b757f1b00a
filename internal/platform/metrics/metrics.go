package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway and workers.
type Metrics struct {
	IngestRequests    *prometheus.CounterVec
	IntegrityFailures *prometheus.CounterVec
	HTTPRequests      *prometheus.HistogramVec
	StageDuration     *prometheus.HistogramVec
	PipelineOutcomes  *prometheus.CounterVec
	QueueRequeues     prometheus.Counter
	QueueReaped       prometheus.Counter
	CircuitOpen       *prometheus.GaugeVec
}

// New creates and registers all metrics on reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IngestRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_ingest_requests_total",
			Help: "Ingest requests by outcome (admitted, invalid, integrity_failed, error)",
		}, []string{"outcome"}),
		IntegrityFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_ingest_integrity_failures_total",
			Help: "Uploads rejected by HMAC or digest verification",
		}, []string{"file"}),
		HTTPRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kyc_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kyc_stage_duration_seconds",
			Help:    "Pipeline stage duration by stage and outcome",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage", "outcome"}),
		PipelineOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_pipeline_outcomes_total",
			Help: "Pipeline runs by result (completed, failed, retried, skipped)",
		}, []string{"result"}),
		QueueRequeues: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_queue_requeues_total",
			Help: "Jobs re-enqueued with a retry delay",
		}),
		QueueReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_queue_reaped_total",
			Help: "In-flight jobs returned to the ready queue after their visibility timeout",
		}),
		CircuitOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kyc_collaborator_circuit_open",
			Help: "1 when the collaborator circuit breaker is open",
		}, []string{"collaborator"}),
	}
}

// ObserveHTTPRequest records request latency by chi route pattern.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

func (m *Metrics) IncrementIngest(outcome string) {
	m.IngestRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementIntegrityFailure(file string) {
	m.IntegrityFailures.WithLabelValues(file).Inc()
}

func (m *Metrics) ObserveStage(stage, outcome string, duration time.Duration) {
	m.StageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

func (m *Metrics) IncrementPipelineOutcome(result string) {
	m.PipelineOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementRequeue() {
	m.QueueRequeues.Inc()
}

func (m *Metrics) AddReaped(n int) {
	m.QueueReaped.Add(float64(n))
}

func (m *Metrics) SetCircuitOpen(collaborator string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitOpen.WithLabelValues(collaborator).Set(v)
}
