package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	notificationsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_notifications_enqueued_total",
			Help: "Total notifications accepted by the gateway.",
		},
		[]string{"kind"},
	)

	notificationsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_notifications_delivered_total",
			Help: "Total notifications delivered, by transport.",
		},
		[]string{"transport"},
	)

	notificationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_notifications_failed_total",
			Help: "Total notifications a transport failed to deliver after retries.",
		},
		[]string{"transport"},
	)

	notificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_notifications_dropped_total",
			Help: "Total notifications dropped, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(notificationsEnqueued, notificationsDelivered, notificationsFailed, notificationsDropped)
}
