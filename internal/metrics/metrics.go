// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExamTurns counts applied exam moves (ask_primary, follow_up, next_question, complete, none).
	ExamTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrevue_exam_turns_total",
			Help: "Total number of exam turns by applied move",
		},
		[]string{"move"},
	)

	// SessionsStarted counts bootstrapped exam sessions.
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrevue_exam_sessions_started_total",
			Help: "Total number of exam sessions bootstrapped",
		},
	)

	// Evaluations counts final evaluations by overall level ("" when none was given).
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrevue_evaluations_total",
			Help: "Total number of exam evaluations",
		},
		[]string{"level"},
	)

	// LanguageServiceFailures counts soft failures per call site.
	LanguageServiceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrevue_language_service_failures_total",
			Help: "Language service calls that failed or returned unusable output",
		},
		[]string{"call"}, // question_set, turn, evaluation, analysis, practice, transcribe, speak
	)

	// LanguageServiceDuration tracks language model latency.
	LanguageServiceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entrevue_language_service_duration_seconds",
			Help:    "Time spent waiting for the language service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // complete, reply, transcribe, speak
	)

	// FallbackQuestions counts primaries padded in because generation came up short.
	FallbackQuestions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrevue_fallback_questions_total",
			Help: "Primary questions taken from theme banks or the static set",
		},
		[]string{"source"},
	)

	// EventsPublished counts exam lifecycle events by routing key and status.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrevue_events_published_total",
			Help: "Exam lifecycle events published to the broker",
		},
		[]string{"event", "status"},
	)

	// CacheLookups counts conversation cache hits and misses.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrevue_cache_lookups_total",
			Help: "Conversation cache lookups",
		},
		[]string{"result"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
