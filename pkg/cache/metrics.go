package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uhyunpark/statecache/pkg/anomaly"
)

// Metrics are the cache's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	anomalies     *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	syncFailures  *prometheus.CounterVec
	evictedOrders *prometheus.CounterVec
	entities      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg (prometheus.DefaultRegisterer when nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statecache",
			Name:      "anomalies_total",
			Help:      "Anomalies reported, by kind.",
		}, []string{"kind"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statecache",
			Name:      "sync_duration_seconds",
			Help:      "Time spent writing a snapshot to the backend.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"op"}),
		syncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statecache",
			Name:      "sync_failures_total",
			Help:      "Backend sync calls that returned an error.",
		}, []string{"op"}),
		evictedOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statecache",
			Name:      "evicted_total",
			Help:      "Entities removed by the reaper.",
		}, []string{"collection"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "statecache",
			Name:      "entities",
			Help:      "Entities held in memory.",
		}, []string{"collection"}),
	}
	reg.MustRegister(m.anomalies, m.syncDuration, m.syncFailures, m.evictedOrders, m.entities)
	return m
}

// Reporter counts anomalies by kind
func (m *Metrics) Reporter() anomaly.Reporter {
	if m == nil {
		return nil
	}
	return anomaly.ReporterFunc(func(a anomaly.Anomaly) {
		m.anomalies.WithLabelValues(string(a.Kind)).Inc()
	})
}

func (m *Metrics) observeSync(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		m.syncFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) observeEviction(orders, algoOrders int) {
	if m == nil {
		return
	}
	m.evictedOrders.WithLabelValues("orders").Add(float64(orders))
	m.evictedOrders.WithLabelValues("algo_orders").Add(float64(algoOrders))
}

func (m *Metrics) observeStats(st Stats) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues("orders").Set(float64(st.Orders))
	m.entities.WithLabelValues("open_orders").Set(float64(st.OpenOrders))
	m.entities.WithLabelValues("algo_orders").Set(float64(st.AlgoOrders))
	m.entities.WithLabelValues("positions").Set(float64(st.Positions))
	m.entities.WithLabelValues("accounts").Set(float64(st.Accounts))
}
