package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus collectors for the hub
type Metrics struct {
	// Presence
	ConnectionsActive   prometheus.Gauge
	RoomsActive         prometheus.Gauge
	SubscriptionsActive prometheus.Gauge
	SweeperEvictions    prometheus.Counter

	// Protocol
	FramesReceived *prometheus.CounterVec
	EventsSent     *prometheus.CounterVec
	FrameDuration  *prometheus.HistogramVec
	HandlerPanics  prometheus.Counter

	// Storage
	ChatMessagesStored prometheus.Counter
	DBWriteDuration    prometheus.Histogram
	DBWriteErrors      prometheus.Counter

	// API
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushhub_connections_active",
		Help: "Number of authenticated registered connections",
	})
	m.RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushhub_rooms_active",
		Help: "Number of order chat rooms with at least one member",
	})
	m.SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushhub_subscriptions_active",
		Help: "Number of assignment subscription records",
	})
	m.SweeperEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushhub_sweeper_evictions_total",
		Help: "Subscriptions evicted for stale heartbeat",
	})

	m.FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushhub_frames_received_total",
			Help: "Inbound frames by type",
		},
		[]string{"type"},
	)
	m.EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushhub_events_sent_total",
			Help: "Outbound events by type and delivery result",
		},
		[]string{"type", "result"},
	)
	m.FrameDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushhub_frame_duration_seconds",
			Help:    "Inbound frame handling time",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"type"},
	)
	m.HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushhub_handler_panics_total",
		Help: "Panics recovered at the frame boundary",
	})

	m.ChatMessagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushhub_chat_messages_stored_total",
		Help: "Chat messages persisted",
	})
	m.DBWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushhub_db_write_duration_seconds",
		Help:    "Time spent in the single writer per operation",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	m.DBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushhub_db_write_errors_total",
		Help: "Writes that failed after retry",
	})

	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushhub_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)
	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushhub_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method", "path"},
	)

	return m
}

// DeliveryResult labels an outbound send
func DeliveryResult(delivered bool) string {
	if delivered {
		return "delivered"
	}
	return "dropped"
}
