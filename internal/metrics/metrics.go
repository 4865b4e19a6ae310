// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts operator API requests by path, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// GenerationRequestsTotal counts inbound requests by how their handling ended.
	GenerationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_requests_total",
			Help: "Total number of image generation requests received, by handling outcome.",
		},
		[]string{"outcome"}, // dispatched, no_worker, invalid, ledger_error, publish_error, dropped
	)

	// WorkerSolicitationsTotal counts solicitation round trips by what came back.
	WorkerSolicitationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_solicitations_total",
			Help: "Total number of request-worker round trips, by outcome.",
		},
		[]string{"outcome"}, // accepted, unwilling, untrusted, no_reply_address, timeout, no_responders, error
	)

	// WorkerAcquisitionsTotal counts acquisition calls by result.
	WorkerAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_acquisitions_total",
			Help: "Total number of worker acquisitions, by result.",
		},
		[]string{"result"}, // acquired, exhausted
	)

	// AcquisitionAttempts observes how many round trips each acquisition needed.
	AcquisitionAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_acquisition_attempts",
			Help:    "Number of solicitation attempts used per acquisition.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	// GenerationCompletionsTotal counts finalized requests by status.
	GenerationCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_completions_total",
			Help: "Total number of finalized generation requests.",
		},
		[]string{"status"}, // success, failed, expired
	)

	// InFlight is the number of requests currently being handled by this broker.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_requests_in_flight",
			Help: "Generation requests currently being dispatched.",
		},
	)

	// PendingCompletions is the number of installed completion listeners.
	PendingCompletions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_completions_pending",
			Help: "Dispatched requests still waiting for a worker reply.",
		},
	)

	// DispatchPanics counts recovered panics in per-request handling.
	DispatchPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_panics_total",
			Help: "Total number of panics recovered while handling a request.",
		},
	)

	// IsLeader marks whether this node currently runs the stale-request sweeper.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
