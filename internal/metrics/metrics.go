package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaycall"

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently held in the session store.",
	})

	Turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Prompt turns handled, by outcome.",
	}, []string{"outcome"})

	CompletionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "completion_duration_seconds",
		Help:      "Wall time of a streamed completion, first request to terminal event.",
		Buckets:   prometheus.DefBuckets,
	})

	FirstTokenLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "first_token_seconds",
		Help:      "Time from request to the first streamed token.",
		Buckets:   []float64{.05, .1, .25, .5, .75, 1, 1.5, 2, 3, 5},
	})

	KnowledgeCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "knowledge_cache_requests_total",
		Help:      "Embedding cache lookups, by result (hit, redis_hit, miss).",
	}, []string{"result"})

	TerminationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "termination_actions_total",
		Help:      "Termination actions attempted, by action and result.",
	}, []string{"action", "result"})

	Terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminations_total",
		Help:      "Sessions that ran the termination protocol, by reason.",
	}, []string{"reason"})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		ActiveSessions,
		Turns,
		CompletionDuration,
		FirstTokenLatency,
		KnowledgeCache,
		TerminationActions,
		Terminations,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the collectors in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
