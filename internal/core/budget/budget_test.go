package budget

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/core/ports/mocks"
)

const (
	testDailyLimit     = 240.0
	testPricePerMinute = 0.12
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func newTestGate(store *mocks.Store, limit float64) *Gate {
	logger := zerolog.Nop()
	store.SetNow(fixedNow)

	gate := NewGate(store, limit, testPricePerMinute, &logger)
	gate.now = fixedNow

	return gate
}

func TestGateAdmitStopsWhenEstimateExceedsRemaining(t *testing.T) {
	store := mocks.NewStore()
	gate := newTestGate(store, testDailyLimit)

	store.SeedSpend(fixedNow(), 235)

	err := gate.Admit(context.Background(), 8)
	if !errors.Is(err, apperrors.ErrBudgetExhausted) {
		t.Fatalf("Admit(8) with $5 remaining returned %v, want ErrBudgetExhausted", err)
	}

	if err := gate.Admit(context.Background(), 5); err != nil {
		t.Fatalf("Admit(5) with $5 remaining returned %v, want nil", err)
	}
}

func TestGateRemainingClampsOvershoot(t *testing.T) {
	store := mocks.NewStore()
	gate := newTestGate(store, testDailyLimit)

	store.SeedSpend(fixedNow(), 250)

	remaining, err := gate.Remaining(context.Background())
	if err != nil {
		t.Fatalf("Remaining returned error: %v", err)
	}

	if remaining != 0 {
		t.Fatalf("Remaining = %f, want 0 when spend overshoots the limit", remaining)
	}
}

func TestGateEstimateCost(t *testing.T) {
	gate := newTestGate(mocks.NewStore(), testDailyLimit)

	cases := []struct {
		durationSeconds int
		samplingRate    float64
		want            float64
	}{
		{1800, 0.2, 0.72},
		{7200, 0.25, 3.6},
		{90, 1.0, 0.18},
		{0, 0.5, 0},
		{600, 0, 0},
	}

	for _, tc := range cases {
		got := gate.EstimateCost(tc.durationSeconds, tc.samplingRate)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("EstimateCost(%d, %.2f) = %f, want %f", tc.durationSeconds, tc.samplingRate, got, tc.want)
		}
	}
}

func TestGateChargeFiresThresholdAlertsOnce(t *testing.T) {
	store := mocks.NewStore()
	gate := newTestGate(store, 10)

	alerts := make(chan Alert, 4)
	gate.SetAlertCallback(func(alert Alert) {
		alerts <- alert
	})

	if err := gate.Charge(context.Background(), domain.AnalysisUsage{CostUSD: 9}); err != nil {
		t.Fatalf("Charge returned error: %v", err)
	}

	select {
	case alert := <-alerts:
		if alert.Level != AlertLevelWarning {
			t.Fatalf("got alert level %q, want warning", alert.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("expected warning alert after crossing 80%")
	}

	if err := gate.Charge(context.Background(), domain.AnalysisUsage{CostUSD: 2}); err != nil {
		t.Fatalf("Charge returned error: %v", err)
	}

	select {
	case alert := <-alerts:
		if alert.Level != AlertLevelCritical {
			t.Fatalf("got alert level %q, want critical", alert.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("expected critical alert after crossing 100%")
	}

	// Further spend must not re-fire either alert today.
	if err := gate.Charge(context.Background(), domain.AnalysisUsage{CostUSD: 1}); err != nil {
		t.Fatalf("Charge returned error: %v", err)
	}

	select {
	case alert := <-alerts:
		t.Fatalf("unexpected repeat alert: %+v", alert)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateChargeAccumulatesLedger(t *testing.T) {
	store := mocks.NewStore()
	gate := newTestGate(store, testDailyLimit)

	usage := domain.AnalysisUsage{CostUSD: 1.5, InputUnits: 300, OutputUnits: 20}

	for i := 0; i < 3; i++ {
		if err := gate.Charge(context.Background(), usage); err != nil {
			t.Fatalf("Charge returned error: %v", err)
		}
	}

	used, limit, percentage, err := gate.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}

	if math.Abs(used-4.5) > 1e-9 {
		t.Errorf("used = %f, want 4.5", used)
	}

	if limit != testDailyLimit {
		t.Errorf("limit = %f, want %f", limit, testDailyLimit)
	}

	if math.Abs(percentage-4.5/testDailyLimit) > 1e-9 {
		t.Errorf("percentage = %f, want %f", percentage, 4.5/testDailyLimit)
	}
}

func TestGateChargeSurfacesLedgerError(t *testing.T) {
	store := mocks.NewStore()
	gate := newTestGate(store, testDailyLimit)

	store.ChargeErr = errors.New("connection refused")

	err := gate.Charge(context.Background(), domain.AnalysisUsage{CostUSD: 1})
	if err == nil {
		t.Fatal("expected error when ledger charge fails")
	}
}
