package risk

import (
	"math"
	"time"

	"github.com/scanward/scanward/internal/core/domain"
)

// DefaultColdStartMinScans is how many terminal outcomes a source needs before
// its history drives the tier. Below it the source stays MEDIUM.
const DefaultColdStartMinScans = 5

// Tier boundary constants.
const (
	criticalRateMin      = 0.50
	criticalPositivesMin = 10
	highRateMin          = 0.25
	highPositivesMin     = 5
	mediumRateMin        = 0.10
	minimalScannedMin    = 20
)

// Rescan cadences per tier. MINIMAL is effectively dormant; the feed watcher
// still observes those sources at zero quota cost.
const (
	cadenceCritical = 24 * time.Hour
	cadenceHigh     = 72 * time.Hour
	cadenceMedium   = 7 * 24 * time.Hour
	cadenceLow      = 30 * 24 * time.Hour
	cadenceMinimal  = 180 * 24 * time.Hour
)

// coldStartRiskScore is the mid-scale risk assigned while history is too thin
// to trust.
const coldStartRiskScore = 50

// InfringementRate derives the confirmed-positive ratio. Zero history means
// zero rate, not an error.
func InfringementRate(confirmedPositive, totalScanned int) float64 {
	if totalScanned <= 0 {
		return 0
	}

	return float64(confirmedPositive) / float64(totalScanned)
}

// TierForSource is the pure tiering function. Recomputing with identical
// inputs always yields the same tier.
func TierForSource(rate float64, confirmedPositive, totalScanned, coldStartMinScans int) string {
	if coldStartMinScans <= 0 {
		coldStartMinScans = DefaultColdStartMinScans
	}

	if totalScanned < coldStartMinScans {
		return domain.TierMedium
	}

	switch {
	case rate == 0 && totalScanned >= minimalScannedMin:
		return domain.TierMinimal
	case rate > criticalRateMin && confirmedPositive > criticalPositivesMin:
		return domain.TierCritical
	case rate >= highRateMin && confirmedPositive > highPositivesMin:
		return domain.TierHigh
	case rate >= mediumRateMin:
		return domain.TierMedium
	default:
		return domain.TierLow
	}
}

// CadenceForTier maps a tier onto its rescan interval.
func CadenceForTier(tier string) time.Duration {
	switch tier {
	case domain.TierCritical:
		return cadenceCritical
	case domain.TierHigh:
		return cadenceHigh
	case domain.TierMedium:
		return cadenceMedium
	case domain.TierLow:
		return cadenceLow
	default:
		return cadenceMinimal
	}
}

// NextScanAt returns the next due time after a terminal outcome at completedAt.
func NextScanAt(completedAt time.Time, tier string) time.Time {
	return completedAt.Add(CadenceForTier(tier))
}

// SourceRiskScore condenses outcome history into a 0-100 reputation used by
// the video scorer. Rate dominates; confirmed volume adds confidence.
func SourceRiskScore(rate float64, confirmedPositive, totalScanned, coldStartMinScans int) int {
	if coldStartMinScans <= 0 {
		coldStartMinScans = DefaultColdStartMinScans
	}

	if totalScanned < coldStartMinScans {
		return coldStartRiskScore
	}

	base := rate * 70
	confidence := math.Min(30, float64(confirmedPositive)*3)

	return clamp(int(math.Round(base+confidence)), 0, 100)
}
