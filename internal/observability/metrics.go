package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the mining loop's meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	Candidates          *prometheus.GaugeVec
	ProbesRunning       prometheus.Gauge
	ProbesDeferred      prometheus.Gauge
	ProbeOutcomes       *prometheus.CounterVec
	AdmissionOverload   prometheus.Counter
	TransfersStarted    prometheus.Counter
	TransfersStopped    *prometheus.CounterVec
	PersistenceFailures prometheus.Counter
	StalledTransfers    prometheus.Gauge
	MiningPriority      prometheus.Gauge
	BytesTransferred    *prometheus.CounterVec
}

// NewMetrics creates a custom registry with every creditmine metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditmine_operation_duration_seconds",
			Help:    "Duration of operations and scheduler task runs in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmine_operation_total",
			Help: "Total number of operations and scheduler task runs.",
		}, []string{"operation", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmine_errors_total",
			Help: "Total number of errors by operation and kind.",
		}, []string{"operation", "type"}),
		Candidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "creditmine_candidates",
			Help: "Registered candidates by status.",
		}, []string{"status"}),
		ProbesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditmine_probes_running",
			Help: "Admission probes holding a slot in the probe engine.",
		}),
		ProbesDeferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditmine_probes_deferred",
			Help: "Admission probes waiting for a free slot.",
		}),
		ProbeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmine_probe_outcomes_total",
			Help: "Finished admission probes by outcome.",
		}, []string{"outcome"}),
		AdmissionOverload: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditmine_admission_overload_total",
			Help: "Admission requests deferred because the probe pool was full.",
		}),
		TransfersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditmine_transfers_started_total",
			Help: "Mining transfers started.",
		}),
		TransfersStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmine_transfers_stopped_total",
			Help: "Mining transfers stopped by reason.",
		}, []string{"reason"}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditmine_persistence_failures_total",
			Help: "Resume-state writes that failed.",
		}),
		StalledTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditmine_stalled_transfers",
			Help: "Active transfers with no byte movement within their timeout.",
		}),
		MiningPriority: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditmine_mining_priority",
			Help: "Priority last applied to mining transfers.",
		}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmine_bytes_transferred_total",
			Help: "Bytes moved by mining transfers.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.OperationDuration, m.OperationTotal, m.ErrorsTotal,
		m.Candidates, m.ProbesRunning, m.ProbesDeferred, m.ProbeOutcomes,
		m.AdmissionOverload, m.TransfersStarted, m.TransfersStopped,
		m.PersistenceFailures, m.StalledTransfers, m.MiningPriority,
		m.BytesTransferred,
	)
	return m
}
