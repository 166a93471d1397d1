// Package metrics exposes Prometheus instrumentation for the chat relay.
//
//	ws_connections_active            gauge
//	chat_messages_persisted_total    counter
//	chat_send_failures_total         counter   labels: code
//	chat_deliveries_total            counter   labels: result (delivered, dropped)
//	chat_conversations_created_total counter
//	notify_push_total                counter   labels: result (sent, failed, dropped, skipped)
//	chat_persist_duration_seconds    histogram
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Number of open realtime connections on this instance",
	})

	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_persisted_total",
		Help: "Messages persisted by the relay",
	})

	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_send_failures_total",
		Help: "Send attempts rejected or failed, by failure code",
	}, []string{"code"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_deliveries_total",
		Help: "Frames handed to local connections",
	}, []string{"result"})

	ConversationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_conversations_created_total",
		Help: "Conversations created lazily by the relay or the start-chat endpoint",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_push_total",
		Help: "Push notification attempts, by result",
	}, []string{"result"})

	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_persist_duration_seconds",
		Help:    "Time spent resolving the conversation and appending a message",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})
)
