package replay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "replay"

// Metrics holds the replayer Prometheus counters, labelled by bucket.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Hits        *prometheus.CounterVec
	Misses      *prometheus.CounterVec
	Recordings  *prometheus.CounterVec
	Unavailable *prometheus.CounterVec
	StoreErrors *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
// Nothing is registered if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, []string{"bucket"})
	}
	return &Metrics{
		Hits:        counter("hits_total", "Requests answered from a stored fixture"),
		Misses:      counter("misses_total", "Requests without a stored fixture"),
		Recordings:  counter("recordings_total", "Fixtures written after a downstream call"),
		Unavailable: counter("unavailable_total", "Misses rejected because record mode is disabled"),
		StoreErrors: counter("store_errors_total", "Fixture store read or write failures"),
	}
}

func (m *Metrics) inc(vec func(*Metrics) *prometheus.CounterVec, bucket string) {
	if m == nil {
		return
	}
	vec(m).WithLabelValues(bucket).Inc()
}

func (m *Metrics) hit(bucket string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.Hits }, bucket)
}

func (m *Metrics) miss(bucket string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.Misses }, bucket)
}

func (m *Metrics) recorded(bucket string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.Recordings }, bucket)
}

func (m *Metrics) unavailable(bucket string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.Unavailable }, bucket)
}

func (m *Metrics) storeError(bucket string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.StoreErrors }, bucket)
}
