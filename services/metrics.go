package services

import "github.com/prometheus/client_golang/prometheus"

// Kanäle, über die eine Fertigmeldung eintreffen kann.
const (
	ChannelPush = "push"
	ChannelPoll = "poll"
)

var (
	jobsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seo_jobs_triggered_total",
			Help: "Total number of jobs handed to the external worker.",
		},
		[]string{"action", "transport"},
	)
	jobTriggerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seo_job_trigger_failures_total",
			Help: "Total number of jobs the transport did not accept.",
		},
		[]string{"action", "transport"},
	)
	completionsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seo_job_completions_total",
			Help: "Completions accepted by the watcher, by the channel that won.",
		},
		[]string{"channel"},
	)
	staleSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seo_job_stale_signals_total",
			Help: "Completion signals rejected because they were not newer than the trigger.",
		},
		[]string{"channel"},
	)
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seo_store_errors_total",
			Help: "Store failures seen by the reconciler, by operation.",
		},
		[]string{"op"},
	)
	duplicateKeywords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seo_duplicate_keywords_total",
			Help: "Manual keyword additions rejected as duplicates.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTriggered, jobTriggerFailures, completionsAccepted, staleSignals, storeErrors, duplicateKeywords)
}
