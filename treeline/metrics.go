package treeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treeline_tree_commits_total",
		Help: "Committed set transactions.",
	})
	metricRejectedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treeline_tree_rejected_transactions_total",
		Help: "Set transactions aborted by validation.",
	})
	metricSessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treeline_sessions_opened_total",
		Help: "Stream sessions opened.",
	})
	metricSessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treeline_sessions_closed_total",
		Help: "Stream sessions closed.",
	})
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treeline_sessions_active",
		Help: "Currently open stream sessions.",
	})
	metricNotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeline_notifications_sent_total",
		Help: "Notifications enqueued to session outbound streams.",
	}, []string{"mode"})
	metricNotificationsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treeline_notifications_coalesced_total",
		Help: "Sampled notifications superseded before delivery.",
	})
	metricNotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treeline_notifications_dropped_total",
		Help: "Notifications dropped on outbound queue saturation.",
	})
	metricHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treeline_heartbeats_total",
		Help: "Heartbeat messages emitted.",
	})
)
