// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensCreated counts successfully created tokens.
	TokensCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokens_created_total",
		Help: "Redeemable tokens created.",
	})

	// CodeCollisions counts generated codes rejected by the unique key.
	CodeCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_code_collisions_total",
		Help: "Generated token codes that collided with an existing code.",
	})

	// Consumptions counts consume attempts by outcome ("ok" or an error kind).
	Consumptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_consumptions_total",
		Help: "Token consume attempts partitioned by outcome.",
	}, []string{"outcome"})

	// Validations counts validate calls by outcome.
	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_validations_total",
		Help: "Token validate calls partitioned by outcome.",
	}, []string{"outcome"})

	// EventPublishFailures counts token events that could not reach the broker.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_event_publish_failures_total",
		Help: "Token usage events dropped because publishing failed.",
	})

	// HTTPRequests counts handled HTTP requests by method, route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests partitioned by method, route and status code.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
