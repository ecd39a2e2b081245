package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryloom_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal status.",
		},
		[]string{"status"},
	)
	pipelineStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryloom_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage latency by stage name.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)
	pipelineTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryloom_pipeline_tokens_total",
			Help: "Total language model tokens consumed by kind.",
		},
		[]string{"kind"},
	)
	retrievalDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queryloom_retrieval_degraded_total",
			Help: "Total number of retrievals that fell back to lexical-only ranking.",
		},
	)
	ledgerWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryloom_ledger_writes_total",
			Help: "Total number of audit ledger writes by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRunsTotal,
		pipelineStageDurationSeconds,
		pipelineTokensTotal,
		retrievalDegradedTotal,
		ledgerWritesTotal,
	)
}

func ObservePipelineRun(status string, promptTokens, completionTokens int) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
	if promptTokens > 0 {
		pipelineTokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		pipelineTokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

func ObserveStageDuration(stage string, elapsed time.Duration) {
	pipelineStageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func IncrementRetrievalDegraded() {
	retrievalDegradedTotal.Inc()
}

func ObserveLedgerWrite(outcome string) {
	ledgerWritesTotal.WithLabelValues(outcome).Inc()
}
