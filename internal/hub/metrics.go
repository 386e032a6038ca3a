package hub

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	rooms       prometheus.Gauge
	subscribers prometheus.Gauge
	dropped     prometheus.Counter
	publishes   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nextup",
			Subsystem: "hub",
			Name:      "rooms",
			Help:      "Rooms currently held in memory.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nextup",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Live subscriber connections across all rooms.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nextup",
			Subsystem: "hub",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers removed after a failed send.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nextup",
			Subsystem: "hub",
			Name:      "publishes_total",
			Help:      "Room publishes by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.rooms, m.subscribers, m.dropped, m.publishes)
	}
	return m
}
