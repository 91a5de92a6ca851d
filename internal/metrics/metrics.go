package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the engine.
	Registry = prometheus.NewRegistry()

	// EventsReceived counts triggered events by event type.
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_received_total", Help: "Domain events accepted by the dispatcher."},
		[]string{"event_type"},
	)
	// DeliveryAttempts counts delivery attempt outcomes by event type and status.
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_delivery_attempts_total", Help: "Delivery attempts by event type and resulting status."},
		[]string{"event_type", "status"},
	)
	// DeliveryLatency tracks per-attempt HTTP latency in milliseconds.
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook HTTP latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}},
		[]string{"event_type"},
	)
	// TasksDropped counts fan-out tasks discarded because the engine was
	// shutting down before they could be queued.
	TasksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_tasks_dropped_total", Help: "Fan-out tasks dropped during shutdown."},
	)
)

var regOnce sync.Once

// Register installs all collectors on the engine registry.
func Register() {
	regOnce.Do(func() {
		Registry.MustRegister(EventsReceived)
		Registry.MustRegister(DeliveryAttempts)
		Registry.MustRegister(DeliveryLatency)
		Registry.MustRegister(TasksDropped)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
