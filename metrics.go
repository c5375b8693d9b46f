package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mapboxRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "route_renderer",
		Subsystem: "mapbox",
		Name:      "requests_total",
		Help:      "Total requests sent to the mapping API",
	}, []string{"endpoint", "code"})

	mapboxRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "route_renderer",
		Subsystem: "mapbox",
		Name:      "request_duration_seconds",
		Help:      "Mapping API request latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"endpoint"})

	rateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "route_renderer",
		Subsystem: "rate_limit",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a rate limit slot",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	publishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "route_renderer",
		Subsystem: "publish",
		Name:      "retries_total",
		Help:      "Republish attempts after a failed publish job",
	})

	rendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "route_renderer",
		Subsystem: "pipeline",
		Name:      "renders_total",
		Help:      "Processed sample files by outcome",
	}, []string{"outcome"})
)

// Render outcomes
const (
	outcomeCompleted = "completed"
	outcomeOrphaned  = "orphaned"
	outcomeFailed    = "failed"
)
