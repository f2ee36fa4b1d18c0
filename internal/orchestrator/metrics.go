package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/token"
)

var (
	jobsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "volley_jobs_submitted_total",
		Help: "Jobs admitted through intake.",
	})

	jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_jobs_finished_total",
		Help: "Jobs that reached a terminal status.",
	}, []string{"status", "reason"})

	outstandingTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "volley_outstanding_tokens",
		Help: "Continuation tokens waiting for a callback or timeout.",
	})

	tokenResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_token_resolutions_total",
		Help: "Token redemption and expiry attempts by result.",
	}, []string{"result"})

	dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_dispatch_duration_seconds",
		Help:    "Time the dispatcher took to launch a worker.",
		Buckets: prometheus.DefBuckets,
	})

	logSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "volley_log_subscribers",
		Help: "Live worker log streams.",
	})

	logLinesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "volley_log_lines_dropped_total",
		Help: "Worker log lines not delivered to a subscriber that fell behind.",
	})
)

func init() {
	prometheus.MustRegister(
		jobsSubmittedTotal,
		jobsFinishedTotal,
		outstandingTokens,
		tokenResolutionsTotal,
		dispatchDuration,
		logSubscribers,
		logLinesDroppedTotal,
	)

	for _, r := range []token.Result{token.Redeemed, token.Expired, token.AlreadyRedeemed, token.Unknown} {
		tokenResolutionsTotal.WithLabelValues(string(r))
	}
	jobsFinishedTotal.WithLabelValues(model.StatusSucceeded, "")
}
