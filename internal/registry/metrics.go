package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groupsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_broadcast_groups",
		Help: "Number of live (trip, subgroup) fan-out groups.",
	})
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_subscribers",
		Help: "Number of live subscriptions across all groups.",
	})
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_events_published_total",
		Help: "Total events published to broadcast groups.",
	}, []string{"subgroup"})
	overflowDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracking_subscriber_overflow_drops_total",
		Help: "Subscribers forcibly unsubscribed after queue overflow.",
	})
)
