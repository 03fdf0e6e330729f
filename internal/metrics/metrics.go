package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics. Registered on the default registry and exposed on
// /metrics by the HTTP layer.
var (
	CallsOriginated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_calls_originated_total",
		Help: "Calls successfully handed to the PBX for origination.",
	})

	OriginationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_origination_failures_total",
		Help: "Originate requests rejected by the PBX or the network.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dialcast_active_sessions",
		Help: "Call sessions currently tracked by the flow runtime.",
	})

	RunningCampaigns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dialcast_running_campaigns",
		Help: "Campaigns with an active dispatcher loop in this process.",
	})

	LeadsReserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_leads_reserved_total",
		Help: "Leads atomically reserved for dialing.",
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcast_webhook_deliveries_total",
		Help: "Lifecycle webhook delivery attempts by result.",
	}, []string{"result"})
)
