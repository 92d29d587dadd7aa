package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "fundfeed"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promVec struct {
	vec *prometheus.CounterVec
}

func (p promVec) With(label string) Counter {
	return promCounter{p.vec.WithLabelValues(label)}
}

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	applied          prometheus.Counter
	rejected         *prometheus.CounterVec
	roundsCompleted  prometheus.Counter
	roundsFailed     prometheus.Counter
	assetsSkipped    prometheus.Counter
	requestsExecuted prometheus.Counter
	feesAllocated    prometheus.Counter
	operatorChanges  prometheus.Counter
	updateID         prometheus.Gauge
	operators        prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		applied:  counter("operations_applied_total", "Total number of applied operations."),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "operations_rejected_total",
			Help:      "Total number of rejected operations by rejection kind.",
		}, []string{"kind"}),
		roundsCompleted:  counter("price_rounds_completed_total", "Total number of collection rounds that updated at least one asset."),
		roundsFailed:     counter("price_rounds_failed_total", "Total number of collection rounds without consensus on any asset."),
		assetsSkipped:    counter("price_assets_skipped_total", "Total number of assets skipped for lack of operator updates."),
		requestsExecuted: counter("fund_requests_executed_total", "Total number of executed investment requests."),
		feesAllocated:    counter("fund_fee_allocations_total", "Total number of fee allocations."),
		operatorChanges:  counter("operator_set_changes_total", "Total number of operator set changes."),
		updateID:         gauge("canonical_update_id", "Current canonical update id."),
		operators:        gauge("operators", "Current number of operators."),
	}
	p.registry.MustRegister(
		p.applied, p.rejected, p.roundsCompleted, p.roundsFailed, p.assetsSkipped,
		p.requestsExecuted, p.feesAllocated, p.operatorChanges, p.updateID, p.operators,
	)
	p.Metrics = &Metrics{
		OperationsApplied:  promCounter{p.applied},
		OperationsRejected: promVec{p.rejected},
		RoundsCompleted:    promCounter{p.roundsCompleted},
		RoundsFailed:       promCounter{p.roundsFailed},
		AssetsSkipped:      promCounter{p.assetsSkipped},
		RequestsExecuted:   promCounter{p.requestsExecuted},
		FeesAllocated:      promCounter{p.feesAllocated},
		OperatorChanges:    promCounter{p.operatorChanges},
		UpdateID:           p.updateID,
		Operators:          p.operators,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
