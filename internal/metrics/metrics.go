package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

// CounterVec hands out a counter per label value.
type CounterVec interface {
	With(label string) Counter
}

type Metrics struct {
	OperationsApplied  Counter
	OperationsRejected CounterVec
	RoundsCompleted    Counter
	RoundsFailed       Counter
	AssetsSkipped      Counter
	RequestsExecuted   Counter
	FeesAllocated      Counter
	OperatorChanges    Counter
	UpdateID           Gauge
	Operators          Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopVec struct{}

func (noopVec) With(string) Counter { return noopCounter{} }

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OperationsApplied:  n,
		OperationsRejected: noopVec{},
		RoundsCompleted:    n,
		RoundsFailed:       n,
		AssetsSkipped:      n,
		RequestsExecuted:   n,
		FeesAllocated:      n,
		OperatorChanges:    n,
		UpdateID:           g,
		Operators:          g,
	}
}
