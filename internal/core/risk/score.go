// Package risk computes scan priorities for videos and risk tiers for
// sources. All functions are pure: callers pass every signal in, including the
// clock, so identical inputs always produce identical outputs.
package risk

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/scanward/scanward/internal/core/domain"
	"github.com/scanward/scanward/internal/platform/textnorm"
)

// Sub-score caps. The six components sum to at most 100.
const (
	maxPopularityScore = 25
	maxVelocityScore   = 25
	maxSourceScore     = 20
	maxStructuralScore = 15
	maxContentScore    = 10
	maxRecencyScore    = 5
)

// Velocity bands in views per hour.
const (
	velocityViral    = 10000
	velocityHot      = 1000
	velocityWarm     = 100
	velocityBandHot  = 18
	velocityBandWarm = 10
	velocityBandLow  = 4
)

// Priority tier thresholds on the 0-100 scan priority.
const (
	priorityCriticalMin = 80
	priorityHighMin     = 60
	priorityMediumMin   = 40
	priorityLowMin      = 20
)

// ReuploadSimilarityThreshold is the cosine similarity above which a title is
// treated as a probable re-upload of a confirmed positive.
const ReuploadSimilarityThreshold = 0.90

// popularityLogCeiling is the log10 of the view count that saturates the
// popularity sub-score (10M views).
const popularityLogCeiling = 7.0

var yearMarker = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// Format markers typical of ripped full-content uploads. Checked on raw
// lowercased text so digits survive (textnorm folds them for matching).
var formatMarkers = []string{
	"720p", "1080p", "2160p", "4k",
	"bluray", "blu-ray", "brrip", "webrip", "web-dl", "hdrip", "dvdrip", "camrip",
}

// Piracy vocabulary checked with confusable-folding so "FULL M0VIE" still hits.
var piracyVocabulary = []string{
	"full movie", "full film", "watch online", "free download",
	"cam", "camrip", "screener", "telesync",
}

// VideoSignals carries every input to video scoring.
type VideoSignals struct {
	ViewCount       int64
	ViewVelocity    *float64 // views per hour, nil when no snapshot delta exists yet
	SourceRiskScore int
	DurationSeconds int
	PublishedAt     time.Time
	Now             time.Time
	MatchedTargets  int
	Title           string
	Description     string
	// ReuploadSimilarity is the best cosine similarity against confirmed
	// positive titles, zero when embeddings are disabled or nothing is near.
	ReuploadSimilarity float64
}

// Breakdown is a scored video with its per-component subtotals retained for
// observability.
type Breakdown struct {
	Popularity       int
	Velocity         int
	SourceReputation int
	Structural       int
	ContentSignals   int
	Recency          int
	Total            int
	Tier             string
}

// SourceRisk returns the source-derived share of the total.
func (b Breakdown) SourceRisk() int {
	return b.SourceReputation
}

// ItemRisk returns the item-derived share of the total.
func (b Breakdown) ItemRisk() int {
	return b.Total - b.SourceReputation
}

// ScoreVideo computes the 0-100 scan priority from six saturating sub-scores.
func ScoreVideo(sig VideoSignals) Breakdown {
	b := Breakdown{
		Popularity:       popularityScore(sig.ViewCount),
		Velocity:         velocityScore(sig.ViewVelocity),
		SourceReputation: sourceReputationScore(sig.SourceRiskScore),
		Structural:       structuralScore(sig.DurationSeconds, sig.Title),
		ContentSignals:   contentScore(sig),
		Recency:          recencyScore(sig.PublishedAt, sig.Now),
	}

	total := b.Popularity + b.Velocity + b.SourceReputation + b.Structural + b.ContentSignals + b.Recency
	b.Total = clampPriority(total)
	b.Tier = TierForPriority(b.Total)

	return b
}

// TierForPriority maps a scan priority onto its display tier.
func TierForPriority(priority int) string {
	switch {
	case priority >= priorityCriticalMin:
		return domain.PriorityTierCritical
	case priority >= priorityHighMin:
		return domain.PriorityTierHigh
	case priority >= priorityMediumMin:
		return domain.PriorityTierMedium
	case priority >= priorityLowMin:
		return domain.PriorityTierLow
	default:
		return domain.PriorityTierVeryLow
	}
}

// popularityScore log-scales views so the first thousands matter most and the
// score saturates around 10M views.
func popularityScore(views int64) int {
	if views <= 0 {
		return 0
	}

	scaled := maxPopularityScore * math.Log10(float64(views)+1) / popularityLogCeiling

	return clamp(int(scaled), 0, maxPopularityScore)
}

func velocityScore(velocity *float64) int {
	if velocity == nil {
		return 0
	}

	v := *velocity

	switch {
	case v > velocityViral:
		return maxVelocityScore
	case v >= velocityHot:
		return velocityBandHot
	case v >= velocityWarm:
		return velocityBandWarm
	case v > 0:
		return velocityBandLow
	default:
		return 0
	}
}

func sourceReputationScore(riskScore int) int {
	return clamp(riskScore*maxSourceScore/100, 0, maxSourceScore)
}

func structuralScore(durationSeconds int, title string) int {
	score := durationBand(durationSeconds)

	if yearMarker.MatchString(title) {
		score += 3
	}

	lower := strings.ToLower(title)
	for _, marker := range formatMarkers {
		if strings.Contains(lower, marker) {
			score += 3
			break
		}
	}

	return clamp(score, 0, maxStructuralScore)
}

// durationBand favors feature-length uploads over clips.
func durationBand(seconds int) int {
	switch {
	case seconds >= 3600:
		return 9
	case seconds >= 1200:
		return 6
	case seconds >= 600:
		return 3
	default:
		return 0
	}
}

func contentScore(sig VideoSignals) int {
	var score int

	switch {
	case sig.MatchedTargets >= 2:
		score += 8
	case sig.MatchedTargets == 1:
		score += 6
	}

	text := sig.Title + " " + sig.Description

	var vocabHits int

	for _, phrase := range piracyVocabulary {
		if textnorm.ContainsPhrase(text, phrase) {
			vocabHits += 2
			if vocabHits >= 4 {
				break
			}
		}
	}

	score += vocabHits

	if sig.ReuploadSimilarity >= ReuploadSimilarityThreshold {
		score += 4
	}

	return clamp(score, 0, maxContentScore)
}

func recencyScore(publishedAt, now time.Time) int {
	if publishedAt.IsZero() {
		return 0
	}

	age := now.Sub(publishedAt)

	switch {
	case age < 24*time.Hour:
		return maxRecencyScore
	case age < 7*24*time.Hour:
		return 3
	default:
		return 0
	}
}

func clampPriority(v int) int {
	return clamp(v, 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
