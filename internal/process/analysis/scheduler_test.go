package analysis

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/budget"
	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/core/ports/mocks"
)

type captureSink struct {
	events []Event
}

func (c *captureSink) Emit(event Event) {
	c.events = append(c.events, event)
}

func (c *captureSink) last() Event {
	return c.events[len(c.events)-1]
}

type schedulerFixture struct {
	store  *mocks.Store
	client *mocks.AnalysisClient
	gate   *budget.Gate
	sched  *Scheduler
}

func newFixture(dailyBudgetUSD float64) *schedulerFixture {
	logger := zerolog.Nop()
	store := mocks.NewStore()
	client := mocks.NewAnalysisClient()
	gate := budget.NewGate(store, dailyBudgetUSD, 1.0, &logger)
	feedback := NewFeedback(store, 5, &logger)

	cfg := Config{BatchSize: 10, Concurrency: 3, MaxAttempts: 2, Timeout: time.Minute}
	sched := NewScheduler(store, store, client, gate, feedback, cfg, &logger)

	return &schedulerFixture{store: store, client: client, gate: gate, sched: sched}
}

func TestRunBatch_AnalyzesInPriorityOrder(t *testing.T) {
	f := newFixture(1000)

	now := time.Now()

	f.store.AddVideo(&domain.Video{
		ID: "vid-high", PlatformVideoID: "pv-high", Title: "High priority",
		Status: domain.VideoStatusDiscovered, ScanPriority: 90,
		DurationSeconds: 90, DiscoveredAt: now.Add(-time.Hour),
	})
	f.store.AddVideo(&domain.Video{
		ID: "vid-mid", PlatformVideoID: "pv-mid", Title: "Mid priority",
		Status: domain.VideoStatusDiscovered, ScanPriority: 70,
		DurationSeconds: 400, DiscoveredAt: now.Add(-2 * time.Hour),
	})
	f.store.AddVideo(&domain.Video{
		ID: "vid-low", PlatformVideoID: "pv-low", Title: "Low priority",
		Status: domain.VideoStatusDiscovered, ScanPriority: 50,
		DurationSeconds: 5400, DiscoveredAt: now.Add(-3 * time.Hour),
	})

	f.client.AnalyzeFn = func(_ context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		verdict := domain.VerdictClean
		if req.VideoID == "vid-high" {
			verdict = domain.VerdictInfringing
		}

		return &domain.AnalysisResult{
			Verdict:    verdict,
			Confidence: 0.87,
			Usage:      domain.AnalysisUsage{CostUSD: 2.5, InputUnits: 100, OutputUnits: 20},
		}, nil
	}

	sink := &captureSink{}

	counts, err := f.sched.RunBatch(context.Background(), 0, sink)
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}

	if counts.Claimed != 3 || counts.Analyzed != 3 {
		t.Errorf("counts: claimed=%d analyzed=%d, want 3/3", counts.Claimed, counts.Analyzed)
	}

	if counts.Confirmed != 1 {
		t.Errorf("confirmed: got %d, want 1", counts.Confirmed)
	}

	if math.Abs(counts.SpentUSD-7.5) > 1e-9 {
		t.Errorf("spent: got %f, want 7.5", counts.SpentUSD)
	}

	calls := f.client.Calls()
	if len(calls) != 3 {
		t.Fatalf("analyze calls: got %d, want 3", len(calls))
	}

	rates := make(map[string]float64, len(calls))
	for _, req := range calls {
		rates[req.VideoID] = req.SamplingRate
	}

	wantRates := map[string]float64{"vid-high": 1.0, "vid-mid": 0.5, "vid-low": 0.1}
	for id, want := range wantRates {
		if got := rates[id]; math.Abs(got-want) > 1e-9 {
			t.Errorf("%s sampling rate: got %f, want %f", id, got, want)
		}
	}

	for _, id := range []string{"vid-high", "vid-mid", "vid-low"} {
		v := f.store.Video(id)
		if v.Status != domain.VideoStatusAnalyzed {
			t.Errorf("%s status: got %q, want analyzed", id, v.Status)
		}
	}

	high := f.store.Video("vid-high")
	if high.Verdict != domain.VerdictInfringing {
		t.Errorf("vid-high verdict: got %q, want infringing", high.Verdict)
	}

	if high.AnalyzedAt.IsZero() {
		t.Error("expected analyzed timestamp")
	}

	ledger, err := f.store.GetDay(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}

	if math.Abs(ledger.UsedUSD-7.5) > 1e-9 {
		t.Errorf("ledger used: got %f, want 7.5", ledger.UsedUSD)
	}

	if ledger.TotalRequests != 3 {
		t.Errorf("ledger requests: got %d, want 3", ledger.TotalRequests)
	}

	for _, a := range f.store.Attempts() {
		if a.Status != domain.AttemptStatusCompleted {
			t.Errorf("attempt %s status: got %q, want completed", a.ID, a.Status)
		}
	}

	if len(sink.events) != 2 || sink.events[0].Status != StatusStarting || sink.last().Status != StatusComplete {
		t.Fatalf("event sequence: got %+v", sink.events)
	}
}

func TestRunBatch_BudgetStopNeverSkipsAhead(t *testing.T) {
	f := newFixture(240)
	f.store.SeedSpend(time.Now(), 235)

	now := time.Now()

	// 4800s at rate 0.1 and $1/min estimates to $8, above the $5 remaining.
	f.store.AddVideo(&domain.Video{
		ID: "vid-pricey", PlatformVideoID: "pv-pricey", Title: "Expensive",
		Status: domain.VideoStatusDiscovered, ScanPriority: 90,
		DurationSeconds: 4800, DiscoveredAt: now.Add(-time.Hour),
	})
	// The cheaper lower-priority item would fit, but must not be tried.
	f.store.AddVideo(&domain.Video{
		ID: "vid-cheap", PlatformVideoID: "pv-cheap", Title: "Cheap",
		Status: domain.VideoStatusDiscovered, ScanPriority: 50,
		DurationSeconds: 60, DiscoveredAt: now.Add(-time.Hour),
	})

	sink := &captureSink{}

	counts, err := f.sched.RunBatch(context.Background(), 0, sink)
	if err != nil {
		t.Fatalf("budget exhaustion must not be an error: %v", err)
	}

	if counts.Claimed != 0 || counts.Analyzed != 0 {
		t.Errorf("counts: claimed=%d analyzed=%d, want 0/0", counts.Claimed, counts.Analyzed)
	}

	if len(f.client.Calls()) != 0 {
		t.Errorf("analyze calls: got %d, want 0", len(f.client.Calls()))
	}

	for _, id := range []string{"vid-pricey", "vid-cheap"} {
		if got := f.store.Video(id).Status; got != domain.VideoStatusDiscovered {
			t.Errorf("%s status: got %q, want discovered", id, got)
		}
	}

	if !strings.Contains(sink.last().Message, "budget exhausted") {
		t.Errorf("final event message: got %q, want budget exhausted notice", sink.last().Message)
	}

	if sink.last().Status != StatusComplete {
		t.Errorf("final status: got %q, want complete", sink.last().Status)
	}
}

type racingAttempts struct {
	*mocks.Store
	racedVideoID string
}

func (r *racingAttempts) ClaimForAnalysis(ctx context.Context, videoID string) (string, error) {
	if videoID == r.racedVideoID {
		return "", apperrors.ErrDuplicateScanInProgress
	}

	return r.Store.ClaimForAnalysis(ctx, videoID)
}

func TestRunBatch_DuplicateClaimIsSilentSkip(t *testing.T) {
	f := newFixture(1000)

	now := time.Now()

	f.store.AddVideo(&domain.Video{
		ID: "vid-raced", PlatformVideoID: "pv-raced", Title: "Raced",
		Status: domain.VideoStatusDiscovered, ScanPriority: 80,
		DurationSeconds: 90, DiscoveredAt: now,
	})
	f.store.AddVideo(&domain.Video{
		ID: "vid-free", PlatformVideoID: "pv-free", Title: "Free",
		Status: domain.VideoStatusDiscovered, ScanPriority: 60,
		DurationSeconds: 90, DiscoveredAt: now,
	})

	logger := zerolog.Nop()
	attempts := &racingAttempts{Store: f.store, racedVideoID: "vid-raced"}
	sched := NewScheduler(f.store, attempts, f.client, f.gate, NewFeedback(f.store, 5, &logger),
		Config{BatchSize: 10, Concurrency: 3, MaxAttempts: 2, Timeout: time.Minute}, &logger)

	counts, err := sched.RunBatch(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}

	if counts.Skipped != 1 {
		t.Errorf("skipped: got %d, want 1", counts.Skipped)
	}

	if counts.Analyzed != 1 {
		t.Errorf("analyzed: got %d, want 1", counts.Analyzed)
	}

	if got := f.store.Video("vid-free").Status; got != domain.VideoStatusAnalyzed {
		t.Errorf("vid-free status: got %q, want analyzed", got)
	}
}

func TestRunBatch_TimeoutRetriesThenFailsTerminally(t *testing.T) {
	f := newFixture(1000)

	f.store.AddVideo(&domain.Video{
		ID: "vid-slow", PlatformVideoID: "pv-slow", Title: "Slow",
		Status: domain.VideoStatusDiscovered, ScanPriority: 80,
		DurationSeconds: 90, DiscoveredAt: time.Now(),
	})

	f.client.AnalyzeFn = func(_ context.Context, _ domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		return nil, fmt.Errorf("analyze video: %w", apperrors.ErrAnalysisTimeout)
	}

	if _, err := f.sched.RunBatch(context.Background(), 0, nil); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	v := f.store.Video("vid-slow")
	if v.Status != domain.VideoStatusDiscovered {
		t.Errorf("after first timeout: status %q, want discovered", v.Status)
	}

	if v.AttemptCount != 1 {
		t.Errorf("attempt count: got %d, want 1", v.AttemptCount)
	}

	attempts := f.store.Attempts()
	if len(attempts) != 1 || attempts[0].Status != domain.AttemptStatusFailed || attempts[0].ErrorKind != domain.ErrorKindTimeout {
		t.Fatalf("first attempt: got %+v", attempts)
	}

	// The retry ceiling is two attempts; the second timeout is terminal.
	if _, err := f.sched.RunBatch(context.Background(), 0, nil); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	v = f.store.Video("vid-slow")
	if v.Status != domain.VideoStatusFailed {
		t.Errorf("after second timeout: status %q, want failed", v.Status)
	}

	if v.AttemptCount != 2 {
		t.Errorf("attempt count: got %d, want 2", v.AttemptCount)
	}
}

func TestRunBatch_InaccessibleIsPermanentlyExcluded(t *testing.T) {
	f := newFixture(1000)

	f.store.AddVideo(&domain.Video{
		ID: "vid-gone", PlatformVideoID: "pv-gone", Title: "Gone",
		Status: domain.VideoStatusDiscovered, ScanPriority: 80,
		DurationSeconds: 90, DiscoveredAt: time.Now(),
	})

	f.client.AnalyzeFn = func(_ context.Context, _ domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		return nil, fmt.Errorf("fetch content: %w", apperrors.ErrVideoInaccessible)
	}

	if _, err := f.sched.RunBatch(context.Background(), 0, nil); err != nil {
		t.Fatalf("batch: %v", err)
	}

	if got := f.store.Video("vid-gone").Status; got != domain.VideoStatusInaccessible {
		t.Errorf("status: got %q, want inaccessible", got)
	}

	attempts := f.store.Attempts()
	if len(attempts) != 1 || attempts[0].ErrorKind != domain.ErrorKindInaccessible {
		t.Fatalf("attempt: got %+v", attempts)
	}

	// Inaccessible videos never come back into the backlog.
	batch, err := f.store.NextBatch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}

	if len(batch) != 0 {
		t.Errorf("backlog after exclusion: got %d items, want 0", len(batch))
	}
}

func TestRunBatch_YieldsWhenAllSlotsBusy(t *testing.T) {
	f := newFixture(1000)

	logger := zerolog.Nop()
	sched := NewScheduler(f.store, f.store, f.client, f.gate, NewFeedback(f.store, 5, &logger),
		Config{BatchSize: 10, Concurrency: 1, MaxAttempts: 2, Timeout: time.Minute}, &logger)

	// Another instance holds the only slot.
	f.store.AddVideo(&domain.Video{
		ID: "vid-busy", PlatformVideoID: "pv-busy",
		Status: domain.VideoStatusDiscovered, ScanPriority: 70, DiscoveredAt: time.Now(),
	})

	if _, err := f.store.ClaimForAnalysis(context.Background(), "vid-busy"); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	f.store.AddVideo(&domain.Video{
		ID: "vid-waiting", PlatformVideoID: "pv-waiting",
		Status: domain.VideoStatusDiscovered, ScanPriority: 90, DiscoveredAt: time.Now(),
	})

	sink := &captureSink{}

	counts, err := sched.RunBatch(context.Background(), 0, sink)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	if counts.Claimed != 0 {
		t.Errorf("claimed: got %d, want 0", counts.Claimed)
	}

	if len(f.client.Calls()) != 0 {
		t.Errorf("analyze calls: got %d, want 0", len(f.client.Calls()))
	}

	if sink.last().Status != StatusComplete {
		t.Errorf("final status: got %q, want complete", sink.last().Status)
	}
}

func TestRunBatch_ConfirmedPositiveRetiersSource(t *testing.T) {
	f := newFixture(1000)

	logger := zerolog.Nop()
	feedback := NewFeedback(f.store, 5, &logger).
		WithReuploadIndexing(&mocks.EmbeddingClient{}, f.store)
	sched := NewScheduler(f.store, f.store, f.client, f.gate, feedback,
		Config{BatchSize: 10, Concurrency: 3, MaxAttempts: 2, Timeout: time.Minute}, &logger)

	// One more confirmed positive pushes this source to 12 of 20 (rate 0.60).
	f.store.AddSource(&domain.Source{
		ID:                "src-hot",
		PlatformChannelID: "UC-hot",
		Tier:              domain.TierHigh,
		TotalScanned:      19,
		ConfirmedPositive: 11,
		Cleared:           8,
	})
	f.store.AddVideo(&domain.Video{
		ID: "vid-confirm", PlatformVideoID: "pv-confirm", SourceID: "src-hot",
		Title:  "Midnight Harbor rip",
		Status: domain.VideoStatusDiscovered, ScanPriority: 85,
		DurationSeconds: 400, DiscoveredAt: time.Now(),
	})

	f.client.AnalyzeFn = func(_ context.Context, _ domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		return &domain.AnalysisResult{
			Verdict:          domain.VerdictInfringing,
			Confidence:       0.95,
			DetectedEntities: []string{"Midnight Harbor"},
			Usage:            domain.AnalysisUsage{CostUSD: 3.3},
		}, nil
	}

	before := time.Now()

	counts, err := sched.RunBatch(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	if counts.Confirmed != 1 {
		t.Errorf("confirmed: got %d, want 1", counts.Confirmed)
	}

	src := f.store.Source("src-hot")
	if src.TotalScanned != 20 || src.ConfirmedPositive != 12 {
		t.Errorf("source counters: scanned=%d confirmed=%d, want 20/12", src.TotalScanned, src.ConfirmedPositive)
	}

	if src.Tier != domain.TierCritical {
		t.Errorf("tier: got %q, want critical", src.Tier)
	}

	// rate 0.60 scores 42, the confirmed-count term caps at 30.
	if src.RiskScore != 72 {
		t.Errorf("risk score: got %d, want 72", src.RiskScore)
	}

	nextIn := src.NextScanAt.Sub(before)
	if nextIn < 23*time.Hour || nextIn > 25*time.Hour {
		t.Errorf("critical cadence: next scan in %v, want about 24h", nextIn)
	}

	if f.store.VideoEmbedding("vid-confirm") == nil {
		t.Error("expected confirmed title embedding to be stored")
	}
}

func TestRunBatch_ShutdownReleasesInFlight(t *testing.T) {
	f := newFixture(1000)

	f.store.AddVideo(&domain.Video{
		ID: "vid-inflight", PlatformVideoID: "pv-inflight", Title: "In flight",
		Status: domain.VideoStatusDiscovered, ScanPriority: 80,
		DurationSeconds: 90, DiscoveredAt: time.Now(),
	})

	ctx, cancel := context.WithCancel(context.Background())

	f.client.AnalyzeFn = func(_ context.Context, _ domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		cancel()

		return nil, fmt.Errorf("analyze video: %w", context.Canceled)
	}

	if _, err := f.sched.RunBatch(ctx, 0, nil); err != nil {
		t.Fatalf("batch: %v", err)
	}

	attempts := f.store.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("attempts: got %d, want 1", len(attempts))
	}

	if attempts[0].Status != domain.AttemptStatusFailed || attempts[0].ErrorKind != domain.ErrorKindShutdown {
		t.Errorf("attempt: status=%q kind=%q, want failed/%s", attempts[0].Status, attempts[0].ErrorKind, domain.ErrorKindShutdown)
	}

	// The guard is released for a later retry instead of waiting for the
	// sweep.
	if got := f.store.Video("vid-inflight").Status; got != domain.VideoStatusDiscovered {
		t.Errorf("video status: got %q, want discovered", got)
	}
}
