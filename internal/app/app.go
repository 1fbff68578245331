// Package app provides the main application bootstrap and runtime orchestration.
//
// The App type wires together all dependencies and exposes methods to run
// different operational modes:
//
//   - Serve mode: HTTP server (health, metrics, trigger API) plus the daily
//     discovery run, the analysis batch loop, the feed watcher and the
//     stuck-attempt sweeper
//   - Discovery mode: a single quota-bounded discovery run
//   - Batch mode: a single analysis batch
//   - Sweep mode: a single stuck-attempt sweep
//
// Serve is the normal deployment; the one-shot modes exist for operators and
// cron-style scheduling.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/api"
	"github.com/scanward/scanward/internal/core/budget"
	"github.com/scanward/scanward/internal/core/domain"
	"github.com/scanward/scanward/internal/core/embeddings"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/core/videoanalysis"
	"github.com/scanward/scanward/internal/platform/config"
	"github.com/scanward/scanward/internal/platform/notify"
	"github.com/scanward/scanward/internal/platform/observability"
	"github.com/scanward/scanward/internal/platform/platformapi"
	"github.com/scanward/scanward/internal/platform/schedule"
	"github.com/scanward/scanward/internal/platform/worker"
	"github.com/scanward/scanward/internal/process/analysis"
	"github.com/scanward/scanward/internal/process/discovery"
	"github.com/scanward/scanward/internal/process/sweep"
	db "github.com/scanward/scanward/internal/storage"
)

const (
	msgAnalysisWorkerStopped  = "analysis worker stopped"
	msgSweepWorkerStopped     = "sweep worker stopped"
	msgFeedWatchWorkerStopped = "feed watch worker stopped"
	msgGaugeWorkerStopped     = "gauge refresh worker stopped"

	// feedWatchUserAgent identifies the feed watcher to upload-feed hosts.
	feedWatchUserAgent = "scanward/1.0 (+https://github.com/scanward/scanward)"

	gaugeRefreshInterval = time.Minute
)

// App holds the application dependencies and provides methods to run different modes.
type App struct {
	cfg      *config.Config
	database *db.DB
	logger   *zerolog.Logger
}

// New creates a new App instance with the given dependencies.
func New(cfg *config.Config, database *db.DB, logger *zerolog.Logger) *App {
	return &App{
		cfg:      cfg,
		database: database,
		logger:   logger,
	}
}

// RunServe runs the combined service mode: the HTTP surface plus all
// background workers. It blocks until ctx is canceled.
func (a *App) RunServe(ctx context.Context) error {
	a.logger.Info().Msg("Starting serve mode")

	notifier := a.newNotifier()
	gate := a.newGate(notifier)
	runner := a.newDiscoveryRunner()
	scheduler := a.newScheduler(gate, notifier)

	go a.runDailyDiscovery(ctx, runner, notifier)
	go a.runAnalysisWorker(ctx, scheduler)
	go a.runSweepWorker(ctx)
	go a.runGaugeRefresh(ctx)

	if a.cfg.FeedWatchEnabled {
		go a.runFeedWatchWorker(ctx)
	}

	// Triggered runs are handed the serve context, not the request context,
	// so an API client disconnect never aborts a paid run.
	handler := api.NewHandler(runner, scheduler, a.database, a.database, gate, api.Config{
		Token:            a.cfg.APIToken,
		DefaultMaxQuota:  a.cfg.DiscoveryMaxQuota,
		DefaultBatchSize: a.cfg.AnalysisBatchSize,
	}, func() context.Context { return ctx }, a.logger)

	srv := observability.NewServerWithAPI(a.database, a.cfg.HealthPort, handler, a.logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("health server start: %w", err)
	}

	return nil
}

// RunDiscovery runs a single discovery run and exits.
func (a *App) RunDiscovery(ctx context.Context) error {
	a.logger.Info().Msg("Starting discovery mode")

	notifier := a.newNotifier()
	runner := a.newDiscoveryRunner()

	run, err := runner.Run(ctx, a.cfg.DiscoveryMaxQuota, nil)
	if err != nil {
		if run != nil {
			notifier.RunFailed(run.ID, err)
		}

		return fmt.Errorf("discovery run: %w", err)
	}

	if run.KeywordPhaseSkipped {
		notifier.KeywordPhaseSkipped(run.MaxQuota)
	}

	a.logger.Info().
		Str("run_id", run.ID).
		Int("quota_used", quotaUsed(run)).
		Int("items_found", run.ItemsFound).
		Int("items_matched", run.ItemsMatched).
		Int("sources_touched", run.SourcesTouched).
		Msg("Discovery run complete")

	return nil
}

// RunBatch runs a single analysis batch and exits.
func (a *App) RunBatch(ctx context.Context) error {
	a.logger.Info().Msg("Starting batch mode")

	notifier := a.newNotifier()
	gate := a.newGate(notifier)
	scheduler := a.newScheduler(gate, notifier)

	counts, err := scheduler.RunBatch(ctx, 0, nil)
	if err != nil {
		return fmt.Errorf("analysis batch: %w", err)
	}

	a.logger.Info().
		Int("claimed", counts.Claimed).
		Int("analyzed", counts.Analyzed).
		Int("confirmed", counts.Confirmed).
		Int("failed", counts.Failed).
		Float64("spent_usd", counts.SpentUSD).
		Msg("Analysis batch complete")

	return nil
}

// RunSweep reclaims stuck attempts once and exits.
func (a *App) RunSweep(ctx context.Context) error {
	a.logger.Info().Msg("Starting sweep mode")

	reaped, err := a.newSweeper().SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	a.logger.Info().Int64("reaped", reaped).Msg("Sweep complete")

	return nil
}

// runDailyDiscovery fires one discovery run per UTC day at the configured
// hour. A failed run is reported and the loop waits for the next day rather
// than retrying, since retries would double-spend the daily quota.
func (a *App) runDailyDiscovery(ctx context.Context, runner *discovery.Runner, notifier *notify.Notifier) {
	for {
		next := schedule.NextRun(time.Now().UTC(), a.cfg.DiscoveryHour)
		a.logger.Info().Time("next_run", next).Msg("Discovery run scheduled")

		if err := worker.WaitUntil(ctx, next); err != nil {
			return
		}

		a.discoverOnce(ctx, runner, notifier)
	}
}

func (a *App) discoverOnce(ctx context.Context, runner *discovery.Runner, notifier *notify.Notifier) {
	defer worker.RecoverPanic(a.logger, "discovery run")

	run, err := runner.Run(ctx, a.cfg.DiscoveryMaxQuota, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		a.logger.Warn().Err(err).Msg("Scheduled discovery run failed")

		if run != nil {
			notifier.RunFailed(run.ID, err)
		}

		return
	}

	if run.KeywordPhaseSkipped {
		notifier.KeywordPhaseSkipped(run.MaxQuota)
	}
}

func (a *App) runAnalysisWorker(ctx context.Context, scheduler *analysis.Scheduler) {
	err := worker.Loop(ctx, worker.Config{
		Name:         "analysis",
		PollInterval: a.cfg.AnalysisInterval,
		Process: func(ctx context.Context) error {
			_, err := scheduler.RunBatch(ctx, 0, nil)

			return err
		},
		Logger: a.logger,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info().Msg(msgAnalysisWorkerStopped)

			return
		}

		a.logger.Warn().Err(err).Msg(msgAnalysisWorkerStopped)
	}
}

func (a *App) runSweepWorker(ctx context.Context) {
	if err := a.newSweeper().Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info().Msg(msgSweepWorkerStopped)

			return
		}

		a.logger.Warn().Err(err).Msg(msgSweepWorkerStopped)
	}
}

func (a *App) runFeedWatchWorker(ctx context.Context) {
	watcher := discovery.NewFeedWatcher(a.database, a.database, a.database, feedWatchUserAgent, a.logger)

	err := worker.Loop(ctx, worker.Config{
		Name:         "feedwatch",
		PollInterval: a.cfg.FeedWatchInterval,
		Process: func(ctx context.Context) error {
			_, err := watcher.Sweep(ctx)

			return err
		},
		Logger: a.logger,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info().Msg(msgFeedWatchWorkerStopped)

			return
		}

		a.logger.Warn().Err(err).Msg(msgFeedWatchWorkerStopped)
	}
}

// runGaugeRefresh keeps the backlog and due-source gauges current so they
// reflect database state rather than the last batch that happened to run.
func (a *App) runGaugeRefresh(ctx context.Context) {
	err := worker.SingleTickerLoop(ctx, worker.SingleTickerConfig{
		Name:       "gauges",
		Interval:   gaugeRefreshInterval,
		RunOnStart: true,
		OnTick: func(ctx context.Context) {
			if err := a.refreshGauges(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Msg("gauge refresh failed")
			}
		},
		Logger: a.logger,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info().Msg(msgGaugeWorkerStopped)

			return
		}

		a.logger.Warn().Err(err).Msg(msgGaugeWorkerStopped)
	}
}

func (a *App) refreshGauges(ctx context.Context) error {
	backlog, err := a.database.CountBacklog(ctx, a.cfg.MinScanPriority)
	if err != nil {
		return fmt.Errorf("count backlog: %w", err)
	}

	observability.AnalysisBacklog.Set(float64(backlog))

	age, err := a.database.OldestBacklogAge(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("oldest backlog age: %w", err)
	}

	observability.AnalysisBacklogOldestAgeSeconds.Set(age.Seconds())

	due, err := a.database.CountDue(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("count due sources: %w", err)
	}

	observability.SourcesDue.Set(float64(due))

	return nil
}

// newNotifier creates the alert notifier. A rejected bot token degrades to a
// disabled notifier instead of failing startup.
func (a *App) newNotifier() *notify.Notifier {
	notifier, err := notify.New(a.cfg.AlertBotToken, a.cfg.AlertChatID, a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Alert notifier init failed, alerts disabled")

		notifier, _ = notify.New("", 0, a.logger)
	}

	return notifier
}

// newGate creates the spend gate and routes its threshold alerts to the
// notifier.
func (a *App) newGate(notifier *notify.Notifier) *budget.Gate {
	gate := budget.NewGate(a.database, a.cfg.DailyBudgetUSD, a.cfg.PricePerMinuteUSD, a.logger)

	gate.SetAlertCallback(func(alert budget.Alert) {
		switch alert.Level {
		case budget.AlertLevelCritical:
			notifier.BudgetExhausted(alert.UsedUSD, alert.LimitUSD)
		default:
			notifier.BudgetThreshold(alert.UsedUSD, alert.LimitUSD, int(alert.Percentage*100))
		}
	})

	return gate
}

func (a *App) newDiscoveryRunner() *discovery.Runner {
	runner := discovery.NewRunner(a.newPlatformClient(), a.database, a.database, a.database, a.database, a.cfg.TrendRegions, a.logger)

	if a.cfg.EmbeddingsEnabled {
		runner.WithReuploadMatching(a.newEmbeddingClient(), a.database)
	}

	return runner
}

func (a *App) newScheduler(gate *budget.Gate, notifier *notify.Notifier) *analysis.Scheduler {
	feedback := analysis.NewFeedback(a.database, a.cfg.ColdStartMinScans, a.logger).WithNotifier(notifier)

	if a.cfg.EmbeddingsEnabled {
		feedback.WithReuploadIndexing(a.newEmbeddingClient(), a.database)
	}

	scheduler := analysis.NewScheduler(a.database, a.database, a.newAnalysisClient(), gate, feedback, analysis.Config{
		BatchSize:       a.cfg.AnalysisBatchSize,
		MinScanPriority: a.cfg.MinScanPriority,
		Concurrency:     a.cfg.AnalysisConcurrency,
		MaxAttempts:     a.cfg.MaxAnalysisAttempts,
		Timeout:         a.cfg.AnalysisTimeout,
	}, a.logger)

	if a.cfg.PrecheckEnabled {
		scheduler.WithPrecheck(analysis.NewPrecheck(a.cfg.PrecheckTimeout, a.logger))
	}

	return scheduler
}

func (a *App) newSweeper() *sweep.Sweeper {
	return sweep.NewSweeper(a.database, a.cfg.SweepInterval, a.cfg.StuckThreshold, a.cfg.MaxAnalysisAttempts, a.logger)
}

// newPlatformClient creates the quota-metered platform API client.
func (a *App) newPlatformClient() *platformapi.Client {
	return platformapi.New(a.cfg.PlatformAPIKey, a.cfg.PlatformAPIBaseURL, a.cfg.PlatformAPIRPS, a.cfg.PlatformAPITimeout, a.logger)
}

// newAnalysisClient creates the frame-sampling video analysis client.
func (a *App) newAnalysisClient() ports.AnalysisClient {
	return videoanalysis.NewOpenAI(a.cfg.AnalysisAPIKey, a.cfg.AnalysisBaseURL, a.cfg.AnalysisModel, float64(a.cfg.AnalysisRPS), a.cfg.PricePerMinuteUSD, a.logger)
}

// newEmbeddingClient creates the embedding client used for re-upload matching.
func (a *App) newEmbeddingClient() ports.EmbeddingClient {
	return embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
		APIKey:    a.cfg.AnalysisAPIKey,
		BaseURL:   a.cfg.AnalysisBaseURL,
		Model:     a.cfg.EmbeddingsModel,
		RateLimit: float64(a.cfg.EmbeddingsRPS),
	})
}

func quotaUsed(run *domain.DiscoveryRun) int {
	return run.SourceTrackingUsed + run.TrendScanUsed + run.KeywordSearchUsed + run.RefreshUsed
}
