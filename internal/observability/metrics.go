package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulserelay",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Webhook deliveries by terminal pipeline stage and event type.",
	}, []string{"stage", "event_type"})

	broadcastDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pulserelay",
		Subsystem: "session",
		Name:      "broadcast_deliveries_total",
		Help:      "Messages enqueued into session buffers.",
	})

	sessionDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pulserelay",
		Subsystem: "session",
		Name:      "dropped_messages_total",
		Help:      "Messages evicted from full session buffers.",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulserelay",
		Subsystem: "session",
		Name:      "active",
		Help:      "Open stream sessions.",
	})

	registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulserelay",
		Subsystem: "registrar",
		Name:      "registrations_total",
		Help:      "Webhook registration attempts by result.",
	}, []string{"result"})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pulserelay",
		Subsystem: "userstate",
		Name:      "persist_failures_total",
		Help:      "Snapshot saves that failed or were dropped because the persist queue was full.",
	})
)

func init() {
	prometheus.MustRegister(webhookRequests, broadcastDeliveries, sessionDrops, activeSessions, registrations, persistFailures)
}

// RecordWebhook counts a webhook that reached a terminal stage. An empty event
// type is reported as "unknown" to keep label cardinality bounded.
func RecordWebhook(stage, eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	webhookRequests.WithLabelValues(stage, eventType).Inc()
}

func RecordBroadcast(delivered int) {
	if delivered > 0 {
		broadcastDeliveries.Add(float64(delivered))
	}
}

func RecordSessionDrop() {
	sessionDrops.Inc()
}

func SessionOpened() {
	activeSessions.Inc()
}

func SessionClosed() {
	activeSessions.Dec()
}

func RecordRegistration(result string) {
	registrations.WithLabelValues(result).Inc()
}

func RecordPersistFailure() {
	persistFailures.Inc()
}
