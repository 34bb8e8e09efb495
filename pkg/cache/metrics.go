package cache

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/component-base/metrics/legacyregistry"
)

// ReflectorMetrics are the Prometheus collectors a Reflector reports
// through when built with them (opt-in via ReflectorOptions.Metrics): a
// struct of named collectors, registered in one pass by reflecting over
// its fields.
type ReflectorMetrics struct {
	ListTotal            prometheus.Counter
	ListFailuresTotal    prometheus.Counter
	WatchEventsTotal     *prometheus.CounterVec
	WatchDurationSeconds prometheus.Histogram
	HasSynced            prometheus.Gauge
}

// NewReflectorMetrics builds and registers a ReflectorMetrics set
// labeled with name (ordinarily the Reflector's own name), so multiple
// concurrent Reflectors can be told apart on the same /metrics
// endpoint.
func NewReflectorMetrics(name string) *ReflectorMetrics {
	labels := prometheus.Labels{"reflector": name}
	m := &ReflectorMetrics{
		ListTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reflectorcache_list_total",
			Help:        "Total number of LIST calls issued by the reflector.",
			ConstLabels: labels,
		}),
		ListFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reflectorcache_list_failures_total",
			Help:        "Total number of LIST calls that returned an error after any retry.",
			ConstLabels: labels,
		}),
		WatchEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "reflectorcache_watch_events_total",
			Help:        "Total number of watch events applied to the store, by event type.",
			ConstLabels: labels,
		}, []string{"type"}),
		WatchDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "reflectorcache_watch_duration_seconds",
			Help:        "Duration of each watch stream from open to close.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}),
		HasSynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "reflectorcache_has_synced",
			Help:        "1 once the reflector's first list has completed, 0 until then.",
			ConstLabels: labels,
		}),
	}

	for _, collector := range m.collectors() {
		legacyregistry.RawMustRegister(collector)
	}
	return m
}

func (m *ReflectorMetrics) collectors() []prometheus.Collector {
	v := reflect.ValueOf(*m)
	collectors := make([]prometheus.Collector, 0, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		collectors = append(collectors, v.Field(i).Interface().(prometheus.Collector))
	}
	return collectors
}
