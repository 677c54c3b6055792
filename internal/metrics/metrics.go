// Package metrics exposes mailboat's Prometheus gauges and counters:
// queue depth, delivery outcomes and authentication outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailboat",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of envelopes currently awaiting delivery.",
	})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailboat",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Delivery attempts by outcome.",
	}, []string{"outcome"})

	AuthAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailboat",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Authentication attempts by result.",
	}, []string{"result"})
)

// Register adds mailboat's collectors to reg. Call once at startup.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{QueueDepth, DeliveriesTotal, AuthAttemptsTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
