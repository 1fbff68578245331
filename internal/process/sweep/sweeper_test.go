package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/domain"
	"github.com/scanward/scanward/internal/core/ports/mocks"
)

func newTestSweeper(store *mocks.Store) *Sweeper {
	logger := zerolog.Nop()

	return NewSweeper(store, time.Minute, 20*time.Minute, 2, &logger)
}

func claim(t *testing.T, store *mocks.Store, videoID string) {
	t.Helper()

	if _, err := store.ClaimForAnalysis(context.Background(), videoID); err != nil {
		t.Fatalf("claim %s: %v", videoID, err)
	}
}

func TestSweepOnce_ReclaimsOnlyStuckAttempts(t *testing.T) {
	store := mocks.NewStore()
	base := time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return base })

	store.AddVideo(&domain.Video{ID: "vid-stuck", PlatformVideoID: "pv-stuck", Status: domain.VideoStatusDiscovered})
	store.AddVideo(&domain.Video{ID: "vid-fresh", PlatformVideoID: "pv-fresh", Status: domain.VideoStatusDiscovered})

	claim(t, store, "vid-stuck")

	store.SetNow(func() time.Time { return base.Add(15 * time.Minute) })
	claim(t, store, "vid-fresh")

	store.SetNow(func() time.Time { return base.Add(25 * time.Minute) })

	reaped, err := newTestSweeper(store).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if reaped != 1 {
		t.Errorf("reaped: got %d, want 1", reaped)
	}

	if got := store.Video("vid-stuck").Status; got != domain.VideoStatusDiscovered {
		t.Errorf("stuck video status: got %q, want discovered", got)
	}

	if got := store.Video("vid-fresh").Status; got != domain.VideoStatusProcessing {
		t.Errorf("fresh video status: got %q, want processing", got)
	}

	attempts := store.Attempts()
	if len(attempts) != 2 {
		t.Fatalf("attempts: got %d, want 2", len(attempts))
	}

	if attempts[0].Status != domain.AttemptStatusFailed || attempts[0].ErrorKind != domain.ErrorKindShutdown {
		t.Errorf("stuck attempt: status=%q kind=%q, want failed/%s",
			attempts[0].Status, attempts[0].ErrorKind, domain.ErrorKindShutdown)
	}

	if attempts[1].Status != domain.AttemptStatusRunning {
		t.Errorf("fresh attempt status: got %q, want running", attempts[1].Status)
	}
}

func TestSweepOnce_ExhaustedRetriesFailTerminally(t *testing.T) {
	store := mocks.NewStore()
	base := time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return base })

	store.AddVideo(&domain.Video{ID: "vid-1", PlatformVideoID: "pv-1", Status: domain.VideoStatusDiscovered})

	sweeper := newTestSweeper(store)

	// First orphaned attempt releases the video for a retry.
	claim(t, store, "vid-1")
	store.SetNow(func() time.Time { return base.Add(25 * time.Minute) })

	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	if got := store.Video("vid-1").Status; got != domain.VideoStatusDiscovered {
		t.Fatalf("after first sweep: status %q, want discovered", got)
	}

	// The second orphaned attempt hits the ceiling.
	claim(t, store, "vid-1")
	store.SetNow(func() time.Time { return base.Add(50 * time.Minute) })

	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	v := store.Video("vid-1")
	if v.Status != domain.VideoStatusFailed {
		t.Errorf("after second sweep: status %q, want failed", v.Status)
	}

	if v.AttemptCount != 2 {
		t.Errorf("attempt count: got %d, want 2", v.AttemptCount)
	}
}

func TestSweepOnce_FreshAttemptsAreLeftAlone(t *testing.T) {
	store := mocks.NewStore()

	store.AddVideo(&domain.Video{ID: "vid-1", PlatformVideoID: "pv-1", Status: domain.VideoStatusDiscovered})
	claim(t, store, "vid-1")

	reaped, err := newTestSweeper(store).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if reaped != 0 {
		t.Errorf("reaped: got %d, want 0", reaped)
	}

	if got := store.Video("vid-1").Status; got != domain.VideoStatusProcessing {
		t.Errorf("video status: got %q, want processing", got)
	}
}

func TestRun_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestSweeper(mocks.NewStore()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("run: got %v, want context.Canceled", err)
	}
}
