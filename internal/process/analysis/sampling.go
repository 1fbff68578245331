// Package analysis drains the priority-ordered backlog against the daily
// spend budget, one bounded batch at a time.
package analysis

import "time"

// Sampling band boundaries, inclusive on the upper end.
const (
	fullWatchMax  = 2 * time.Minute
	halfWatchMax  = 10 * time.Minute
	thirdWatchMax = 15 * time.Minute
	quarterMax    = 20 * time.Minute
	fifthMax      = 30 * time.Minute
)

// Sampling intensities per band.
const (
	rateFull    = 1.0
	rateHalf    = 0.5
	rateThird   = 0.33
	rateQuarter = 0.25
	rateFifth   = 0.2
	rateMinimum = 0.1
)

// Resolution hints per duration band. Content matching does not need high
// resolution, and long uploads dominate the spend.
const (
	resolutionHigh = "720p"
	resolutionMid  = "480p"
	resolutionLow  = "360p"
)

// SamplingRateFor returns the fraction of the video the analysis backend
// should inspect. Short clips are watched in full; long uploads are sampled
// thinly, since when infringing content is present it dominates the runtime.
func SamplingRateFor(durationSeconds int) float64 {
	d := time.Duration(durationSeconds) * time.Second

	switch {
	case d <= fullWatchMax:
		return rateFull
	case d <= halfWatchMax:
		return rateHalf
	case d <= thirdWatchMax:
		return rateThird
	case d <= quarterMax:
		return rateQuarter
	case d <= fifthMax:
		return rateFifth
	default:
		return rateMinimum
	}
}

// ResolutionHintFor picks the rendition the backend should fetch.
func ResolutionHintFor(durationSeconds int) string {
	d := time.Duration(durationSeconds) * time.Second

	switch {
	case d <= halfWatchMax:
		return resolutionHigh
	case d <= fifthMax:
		return resolutionMid
	default:
		return resolutionLow
	}
}
