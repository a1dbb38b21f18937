package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "prism_tasks"

var (
	// Registry holds the service's Prometheus collectors. HTTP metrics are
	// registered on it by the echo middleware.
	Registry = prometheus.NewRegistry()

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "list_cache",
			Name:      "lookups_total",
			Help:      "List cache lookups by backend and result.",
		},
		[]string{"backend", "result"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Task events handed to a sink, by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)

	eventDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatch_total",
			Help:      "Task events by dispatch path (queued or inline).",
		},
		[]string{"path"},
	)

	taskMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "mutations_total",
			Help:      "Task mutations by operation and result.",
		},
		[]string{"operation", "result"},
	)
)

func init() {
	Registry.MustRegister(
		cacheLookups,
		eventsPublished,
		eventDispatch,
		taskMutations,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// RecordCacheLookup counts a list cache hit or miss.
func RecordCacheLookup(backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(backend, result).Inc()
}

// RecordEvent counts one publish attempt to sink.
func RecordEvent(sink string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	eventsPublished.WithLabelValues(sink, outcome).Inc()
}

// RecordDispatch counts how an event reached its publisher.
func RecordDispatch(path string) {
	eventDispatch.WithLabelValues(path).Inc()
}

// RecordMutation counts a create, update or delete by result label.
func RecordMutation(operation, result string) {
	taskMutations.WithLabelValues(operation, result).Inc()
}
