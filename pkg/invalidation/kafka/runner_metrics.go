package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	proc       *prometheus.HistogramVec
	lagGauge   prometheus.Gauge
	partitions prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		proc: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilecache_invalidation_processing_seconds",
				Help:    "Time to decode and apply one invalidation message, by op.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"op"},
		),
		lagGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tilecache_invalidation_lag_seconds",
			Help: "Age of the last consumed message (now minus its Kafka timestamp).",
		}),
		partitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tilecache_invalidation_assigned_partitions",
			Help: "Partitions currently claimed by this consumer.",
		}),
	}
	if r != nil {
		r.MustRegister(m.proc, m.lagGauge, m.partitions)
	}
	return m
}
