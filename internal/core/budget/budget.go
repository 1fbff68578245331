// Package budget enforces the daily analysis spend ceiling.
//
// Spend lives in the database ledger so the gate survives restarts; only the
// once-per-day alert latches are in memory.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/platform/observability"
	"github.com/scanward/scanward/internal/platform/schedule"
)

// Budget threshold percentages.
const (
	ThresholdWarning  = 0.8
	ThresholdCritical = 1.0
)

// Alert levels.
const (
	AlertLevelWarning  = "warning"
	AlertLevelCritical = "critical"
)

const secondsPerMinute = 60

// Alert represents an alert triggered by budget thresholds.
type Alert struct {
	Level      string
	UsedUSD    float64
	LimitUSD   float64
	Percentage float64
	Timestamp  time.Time
}

// Gate admits analysis work against the daily spend ledger.
type Gate struct {
	ledger            ports.LedgerRepository
	dailyLimitUSD     float64
	pricePerMinuteUSD float64

	mu            sync.Mutex
	lastAlertDate string
	warningFired  bool
	criticalFired bool
	alertCallback func(alert Alert)

	logger *zerolog.Logger
	now    func() time.Time
}

// NewGate creates a budget gate over the given ledger.
func NewGate(ledger ports.LedgerRepository, dailyLimitUSD, pricePerMinuteUSD float64, logger *zerolog.Logger) *Gate {
	return &Gate{
		ledger:            ledger,
		dailyLimitUSD:     dailyLimitUSD,
		pricePerMinuteUSD: pricePerMinuteUSD,
		logger:            logger,
		now:               time.Now,
	}
}

// SetAlertCallback sets the callback function for budget alerts.
func (g *Gate) SetAlertCallback(callback func(alert Alert)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.alertCallback = callback
}

// EstimateCost predicts what analyzing a video will cost, given its duration
// and the fraction of it that will be inspected.
func (g *Gate) EstimateCost(durationSeconds int, samplingRate float64) float64 {
	if durationSeconds <= 0 || samplingRate <= 0 {
		return 0
	}

	minutes := float64(durationSeconds) * samplingRate / secondsPerMinute

	return minutes * g.pricePerMinuteUSD
}

// Remaining returns the budget left for the current UTC day, clamped to zero
// when recorded spend overshoots the limit.
func (g *Gate) Remaining(ctx context.Context) (float64, error) {
	used, err := g.used(ctx)
	if err != nil {
		return 0, err
	}

	remaining := g.dailyLimitUSD - used
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

// Admit checks whether the estimated cost fits in today's remaining budget.
// It returns ErrBudgetExhausted when it does not; the caller is expected to
// stop the entire batch, not skip to a cheaper item.
func (g *Gate) Admit(ctx context.Context, estimatedCost float64) error {
	remaining, err := g.Remaining(ctx)
	if err != nil {
		return err
	}

	if estimatedCost > remaining {
		return fmt.Errorf("%w: estimated $%.2f exceeds remaining $%.2f", apperrors.ErrBudgetExhausted, estimatedCost, remaining)
	}

	return nil
}

// Charge records actual usage in the ledger and checks alert thresholds.
func (g *Gate) Charge(ctx context.Context, usage domain.AnalysisUsage) error {
	if err := g.ledger.Charge(ctx, usage.CostUSD, 1, usage.InputUnits, usage.OutputUnits); err != nil {
		return fmt.Errorf("charge ledger: %w", err)
	}

	used, err := g.used(ctx)
	if err != nil {
		return err
	}

	observability.SpendUsedUSD.Set(used)

	remaining := g.dailyLimitUSD - used
	if remaining < 0 {
		remaining = 0
	}

	observability.SpendRemainingUSD.Set(remaining)

	g.checkThresholds(used)

	return nil
}

// Status returns today's spend, the limit, and the usage percentage.
func (g *Gate) Status(ctx context.Context) (usedUSD, limitUSD, percentage float64, err error) {
	used, err := g.used(ctx)
	if err != nil {
		return 0, 0, 0, err
	}

	if g.dailyLimitUSD > 0 {
		percentage = used / g.dailyLimitUSD
	}

	return used, g.dailyLimitUSD, percentage, nil
}

func (g *Gate) used(ctx context.Context) (float64, error) {
	row, err := g.ledger.GetDay(ctx, schedule.UTCDay(g.now()))
	if err != nil {
		return 0, fmt.Errorf("get spend ledger: %w", err)
	}

	return row.UsedUSD, nil
}

func (g *Gate) checkThresholds(used float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := schedule.UTCDay(g.now()).Format(time.DateOnly)
	if g.lastAlertDate != today {
		g.lastAlertDate = today
		g.warningFired = false
		g.criticalFired = false
	}

	if g.dailyLimitUSD <= 0 || g.alertCallback == nil {
		return
	}

	percentage := used / g.dailyLimitUSD

	if !g.criticalFired && percentage >= ThresholdCritical {
		g.criticalFired = true
		g.fireAlert(AlertLevelCritical, used, percentage)

		return
	}

	if !g.warningFired && percentage >= ThresholdWarning {
		g.warningFired = true
		g.fireAlert(AlertLevelWarning, used, percentage)
	}
}

// fireAlert sends an alert through the callback.
func (g *Gate) fireAlert(level string, used, percentage float64) {
	alert := Alert{
		Level:      level,
		UsedUSD:    used,
		LimitUSD:   g.dailyLimitUSD,
		Percentage: percentage,
		Timestamp:  g.now().UTC(),
	}

	if g.logger != nil {
		g.logger.Warn().
			Str("level", level).
			Float64("used_usd", used).
			Float64("limit_usd", g.dailyLimitUSD).
			Float64("percentage", percentage).
			Msg("analysis budget threshold reached")
	}

	// Fire callback in goroutine to avoid blocking
	go g.alertCallback(alert)
}
