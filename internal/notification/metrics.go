package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_created_total",
		Help: "Total number of notifications created.",
	}, []string{"type"})

	deliveriesAttempted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_deliveries_attempted_total",
		Help: "Total number of channel send attempts.",
	}, []string{"channel"})

	deliveriesSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_deliveries_succeeded_total",
		Help: "Total number of successful channel sends.",
	}, []string{"channel"})

	deliveriesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_deliveries_failed_total",
		Help: "Total number of failed channel sends.",
	}, []string{"channel", "permanent"})

	deliveriesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_deliveries_suppressed_total",
		Help: "Channel dispatches skipped by preferences, quiet hours, or frequency limits.",
	}, []string{"reason"})

	retriesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_retries_swept_total",
		Help: "Failed deliveries resubmitted by the retry sweep.",
	})
)
