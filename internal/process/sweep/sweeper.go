// Package sweep reclaims analysis attempts orphaned by crashed or hung
// instances. A claimed video blocks every other instance from touching it, so
// attempts running past the stuck threshold are failed and their videos
// released back to the backlog.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/domain"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/platform/observability"
	"github.com/scanward/scanward/internal/platform/worker"
)

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = 10 * time.Minute

	// DefaultStuckThreshold is how long an attempt may run before it is
	// presumed dead. It sits above the hard analysis timeout so the sweep
	// never races a live attempt.
	DefaultStuckThreshold = 20 * time.Minute
)

// Sweeper periodically fails attempts stuck past the threshold.
type Sweeper struct {
	attempts    ports.AttemptRepository
	interval    time.Duration
	threshold   time.Duration
	maxAttempts int
	logger      *zerolog.Logger
}

func NewSweeper(attempts ports.AttemptRepository, interval, threshold time.Duration, maxAttempts int, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}

	return &Sweeper{
		attempts:    attempts,
		interval:    interval,
		threshold:   threshold,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// SweepOnce reclaims every attempt running longer than the threshold. Whether
// the instance died or the analysis hangs is indistinguishable from here, so
// both are recorded under the same error kind.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	reaped, err := s.attempts.ReapStuck(ctx, s.threshold, domain.ErrorKindShutdown, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reap stuck attempts: %w", err)
	}

	if reaped > 0 {
		observability.SweepReaped.Add(float64(reaped))
		s.logger.Warn().
			Int64("reaped", reaped).
			Dur("threshold", s.threshold).
			Msg("Reclaimed stuck analysis attempts")
	}

	return reaped, nil
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	return worker.Loop(ctx, worker.Config{
		Name:         "sweep",
		PollInterval: s.interval,
		Process: func(ctx context.Context) error {
			_, err := s.SweepOnce(ctx)

			return err
		},
		Logger: s.logger,
	})
}
