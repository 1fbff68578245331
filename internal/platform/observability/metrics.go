package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DiscoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_discovery_runs_total",
		Help: "The total number of discovery runs by final status",
	}, []string{"status"})

	DiscoveryQuotaUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_discovery_quota_units_total",
		Help: "Platform API quota units consumed by discovery phase",
	}, []string{"phase"})

	DiscoveryItemsFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_discovery_items_found_total",
		Help: "Total number of items surfaced by discovery phase",
	}, []string{"phase"})

	DiscoveryItemsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanward_discovery_items_matched_total",
		Help: "Total number of discovered items that matched a tracked target",
	})

	DiscoveryKeywordSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanward_discovery_keyword_skips_total",
		Help: "Total number of runs where the keyword phase was skipped for lack of quota",
	})

	DiscoveryRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scanward_discovery_run_duration_seconds",
		Help:    "Duration in seconds of a full discovery run",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})

	PlatformRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_platform_requests_total",
		Help: "Total number of platform API requests",
	}, []string{"endpoint", "status"})

	PlatformRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanward_platform_request_duration_seconds",
		Help:    "Duration of platform API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Analysis metrics
	AnalysisAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_analysis_attempts_total",
		Help: "Total number of analysis attempts by outcome",
	}, []string{"outcome"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scanward_analysis_duration_seconds",
		Help:    "Duration in seconds of a single video analysis",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900},
	})

	AnalysisBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scanward_analysis_batch_duration_seconds",
		Help:    "Duration in seconds to process an analysis batch",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	AnalysisBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanward_analysis_backlog_size",
		Help: "Number of discovered videos waiting for analysis",
	})

	AnalysisBacklogOldestAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanward_analysis_backlog_oldest_age_seconds",
		Help: "Age in seconds of the oldest video waiting for analysis",
	})

	AnalysisInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanward_analysis_in_flight",
		Help: "Number of analysis attempts currently running",
	})

	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_verdicts_total",
		Help: "Total number of completed analyses by verdict",
	}, []string{"verdict"})

	// Budget metrics
	SpendUsedUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanward_spend_used_usd",
		Help: "Analysis spend recorded for the current UTC day in USD",
	})

	SpendRemainingUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanward_spend_remaining_usd",
		Help: "Analysis budget remaining for the current UTC day in USD",
	})

	BudgetStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanward_budget_stops_total",
		Help: "Total number of batch runs stopped because the daily budget could not cover the next item",
	})

	// Source metrics
	SourceRetiers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_source_retiers_total",
		Help: "Total number of source tier recomputations by resulting tier",
	}, []string{"tier"})

	SourcesDue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanward_sources_due",
		Help: "Number of sources whose next scan time has passed",
	})

	FeedPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_feed_polls_total",
		Help: "Total number of source feed polls",
	}, []string{"status"})

	PrecheckResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_precheck_results_total",
		Help: "Total number of accessibility prechecks by result",
	}, []string{"result"})

	SweepReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanward_sweep_reaped_total",
		Help: "Total number of stuck analysis attempts reclaimed by the sweeper",
	})

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanward_embedding_requests_total",
		Help: "Total number of embedding requests",
	}, []string{"status"})

	EmbeddingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scanward_embedding_latency_seconds",
		Help:    "Latency of embedding requests",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	ReuploadMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanward_reupload_matches_total",
		Help: "Total number of videos flagged as likely re-uploads of confirmed items",
	})
)
