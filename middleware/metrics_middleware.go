package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsMiddleware counts requests by type and outcome and records handling time.
// A nil registerer uses the default registry.
func MetricsMiddleware(reg prometheus.Registerer, namespace string) Middleware {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	requests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "Requests handled by remote dispatchers.",
	}, []string{"type", "outcome"})
	latency := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling remote requests.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"type"})

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			result, err := next(ctx, inv)
			typ := string(inv.Message.Type)
			latency.WithLabelValues(typ).Observe(time.Since(start).Seconds())
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			requests.WithLabelValues(typ, outcome).Inc()
			return result, err
		}
	}
}
