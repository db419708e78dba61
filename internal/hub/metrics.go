package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rowsync_hub_clients",
		Help: "Connected websocket clients",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rowsync_hub_pending_actions",
		Help: "Actions waiting for the next pass",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowsync_hub_requests_total",
		Help: "Client requests by action kind, or invalid",
	}, []string{"kind"})

	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowsync_hub_slow_client_disconnects_total",
		Help: "Clients disconnected because their send queue was full",
	})
)
