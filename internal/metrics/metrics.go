// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics defines the Prometheus instruments shared across the
// runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbot_bus_dropped_total",
		Help: "Total number of in-memory bus message drops by topic and reason",
	}, []string{"topic", "reason"})

	FSMTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbot_fsm_transitions_total",
		Help: "Session FSM transitions by edge",
	}, []string{"from", "to"})

	FSMRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbot_fsm_rejected_total",
		Help: "Rejected illegal FSM transitions by state and event",
	}, []string{"state", "event"})

	BookingOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbot_booking_outcomes_total",
		Help: "Booking attempt outcomes",
	}, []string{"outcome"})

	PollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbot_poll_cycles_total",
		Help: "Completed monitor poll cycles by result",
	}, []string{"result"})

	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentbot_heartbeats_total",
		Help: "Heartbeat events published",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentbot_sessions_active",
		Help: "Currently supervised session pairs",
	})

	PairRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbot_pair_restarts_total",
		Help: "Session pair restarts by reason (crash, watchdog)",
	}, []string{"reason"})
)

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

// RecordTransition records one FSM edge traversal.
func RecordTransition(from, to string) {
	FSMTransitionsTotal.WithLabelValues(from, to).Inc()
}
