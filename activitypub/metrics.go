package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fedcore"

var (
	inboundActivities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "inbound_activities_total",
		Help:      "Inbound activities by type and dispatch outcome.",
	}, []string{"type", "outcome"})

	actorFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "actor_fetches_total",
		Help:      "Remote actor document fetches by result.",
	}, []string{"result"})

	ledgerPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ledger_purged_total",
		Help:      "Expired deduplication ledger entries removed by the sweeper.",
	})

	deliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "delivery_attempts_total",
		Help:      "Outbound delivery attempts by result.",
	}, []string{"result"})

	deliveryAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "delivery_abandoned_total",
		Help:      "Delivery tasks given up on.",
	})

	deliveryQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "delivery_tasks_queued",
		Help:      "Delivery tasks waiting for their next attempt.",
	})
)
