// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DuplicateEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_chat_duplicate_events_total",
		Help: "Realtime inserts dropped because the message id was already applied.",
	})

	DebouncedRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_chat_debounced_refreshes_total",
		Help: "Refreshes fired after a quiet window, by stream.",
	}, []string{"stream"})

	Resubscribes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_chat_resubscribes_total",
		Help: "Realtime subscriptions re-established after an error, by stream.",
	}, []string{"stream"})

	SendsConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_chat_sends_confirmed_total",
		Help: "Optimistic sends matched to a server row.",
	})

	SendsRolledBack = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_chat_sends_rolled_back_total",
		Help: "Optimistic sends removed after a failure, by reason.",
	}, []string{"reason"})

	MarkReadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_chat_mark_read_failures_total",
		Help: "Batch read-marking writes that failed.",
	})

	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_chat_notifications_dropped_total",
		Help: "Bus events dropped because a subscriber buffer was full.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "listing_chat_active_sessions",
		Help: "Client sessions currently running.",
	})
)

func init() {
	prometheus.MustRegister(
		DuplicateEvents,
		DebouncedRefreshes,
		Resubscribes,
		SendsConfirmed,
		SendsRolledBack,
		MarkReadFailures,
		NotificationsDropped,
		ActiveSessions,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
