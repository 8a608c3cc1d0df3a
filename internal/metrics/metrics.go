package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	IncomingUpdates  *prometheus.CounterVec
	OutgoingMessages *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	LedgerOps        *prometheus.CounterVec
	Payments         prometheus.Counter
	PaymentsStars    prometheus.Counter
	TurnsSettled     prometheus.Counter
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			IncomingUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tg_incoming_updates_total",
				Help:      "Total incoming Telegram updates processed.",
			}, []string{"type"}),
			OutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tg_outgoing_messages_total",
				Help:      "Total outgoing Telegram messages sent.",
			}, []string{"type"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total AI provider requests by outcome.",
			}, []string{"status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Latency distribution for AI provider calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Total ledger operations by kind and outcome.",
			}, []string{"op", "status"}),
			Payments: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Total confirmed star purchases credited.",
			}),
			PaymentsStars: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_stars_total",
				Help:      "Total stars credited across confirmed purchases.",
			}),
			TurnsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_settled_total",
				Help:      "Total chat turns delivered and charged.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.IncomingUpdates,
			metricsInstance.OutgoingMessages,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.LedgerOps,
			metricsInstance.Payments,
			metricsInstance.PaymentsStars,
			metricsInstance.TurnsSettled,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
