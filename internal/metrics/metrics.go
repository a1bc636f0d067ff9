package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckIns counts check-in attempts by result (accepted, too_far_away, ...).
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imhere",
		Name:      "checkins_total",
		Help:      "Check-in attempts by result.",
	}, []string{"result"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imhere",
		Name:      "session_transitions_total",
		Help:      "Session lifecycle transitions by kind and result.",
	}, []string{"kind", "result"})

	CheckInDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "imhere",
		Name:      "checkin_distance_km",
		Help:      "Distance between attendee and meeting location on check-in.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 25, 100},
	})

	// Notifications counts session-live notifications handled by the worker,
	// labelled sent, skipped or failed.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imhere",
		Name:      "notifications_total",
		Help:      "Session-live notifications by result.",
	}, []string{"result"})
)
