package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hotel"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by result.",
		},
		[]string{"result"},
	)

	paymentRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_requests_total",
			Help:      "Payment URL requests by result.",
		},
		[]string{"result"},
	)

	callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_callbacks_total",
			Help:      "Gateway callbacks by outcome.",
		},
		[]string{"outcome"},
	)

	outboxTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_tasks_total",
			Help:      "Outbox tasks processed by type and result.",
		},
		[]string{"type", "result"},
	)

	domainEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_events_total",
			Help:      "Published domain events by type.",
		},
		[]string{"type"},
	)

	holdsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_expired_total",
			Help:      "Pending bookings cancelled because their hold expired.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			reservations,
			paymentRequests,
			callbacks,
			outboxTasks,
			domainEvents,
			holdsExpired,
		)
	})
}

func ObserveHTTP(endpoint string, code int, elapsed time.Duration) {
	httpRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	httpDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func IncReservation(result string) {
	reservations.WithLabelValues(result).Inc()
}

func IncPaymentRequest(result string) {
	paymentRequests.WithLabelValues(result).Inc()
}

func IncCallback(outcome string) {
	callbacks.WithLabelValues(outcome).Inc()
}

func IncOutboxTask(taskType, result string) {
	outboxTasks.WithLabelValues(taskType, result).Inc()
}

func IncEvent(eventType string) {
	domainEvents.WithLabelValues(eventType).Inc()
}

func AddHoldsExpired(n int) {
	holdsExpired.Add(float64(n))
}
