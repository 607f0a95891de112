package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProxiedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idport",
		Name:      "proxied_calls_total",
		Help:      "Proxied IdP calls by provider and outcome.",
	}, []string{"idp", "outcome"})

	ProxyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "idport",
		Name:      "proxy_retries_total",
		Help:      "Upstream retries after 429/503 responses.",
	})

	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idport",
		Name:      "conflicts_detected_total",
		Help:      "Field conflicts detected during reconciliation, by applied policy.",
	}, []string{"policy"})

	LifecycleActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idport",
		Name:      "lifecycle_actions_total",
		Help:      "Lifecycle actions applied, by action.",
	}, []string{"action"})

	PollRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idport",
		Name:      "poll_runs_total",
		Help:      "Sync poller passes by provider and result.",
	}, []string{"idp", "result"})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "idport",
		Name:      "poll_duration_seconds",
		Help:      "Duration of a full poll pass.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	AuditAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idport",
		Name:      "audit_appends_total",
		Help:      "Audit records appended, by event type.",
	}, []string{"event_type"})
)
