package domain

import "time"

// Video represents a discovered candidate upload on the monitored platform.
type Video struct {
	ID               string
	PlatformVideoID  string
	SourceID         string
	Title            string
	Description      string
	ViewCount        int64
	ViewVelocity     *float64 // views per hour; nil until two stat snapshots exist
	DurationSeconds  int
	PublishedAt      time.Time
	DiscoveredAt     time.Time
	StatsRefreshedAt time.Time
	Status           string
	MatchedTargets   []string
	ScanPriority     int
	SourceRisk       int
	ItemRisk         int
	AttemptCount     int
	Verdict          string
	Confidence       float32
	DetectedEntities []string
	AnalyzedAt       time.Time
}

// Video lifecycle status constants.
const (
	VideoStatusDiscovered   = "discovered"
	VideoStatusProcessing   = "processing"
	VideoStatusAnalyzed     = "analyzed"
	VideoStatusFailed       = "failed"
	VideoStatusInaccessible = "inaccessible"
)

// Analysis verdict constants.
const (
	VerdictInfringing = "infringing"
	VerdictClean      = "clean"
	VerdictUncertain  = "uncertain"
)

// Source represents a channel whose uploads are tracked.
type Source struct {
	ID                string
	PlatformChannelID string
	Title             string
	FeedURL           string
	RiskScore         int
	Tier              string
	TotalScanned      int
	ConfirmedPositive int
	Cleared           int
	InfringementRate  float64
	LastScannedAt     time.Time
	NextScanAt        time.Time
	CreatedAt         time.Time
}

// Source risk tier constants.
const (
	TierCritical = "critical"
	TierHigh     = "high"
	TierMedium   = "medium"
	TierLow      = "low"
	TierMinimal  = "minimal"
)

// Per-video priority tier constants, derived from scan_priority thresholds.
const (
	PriorityTierCritical = "critical"
	PriorityTierHigh     = "high"
	PriorityTierMedium   = "medium"
	PriorityTierLow      = "low"
	PriorityTierVeryLow  = "very_low"
)

// AnalysisAttempt records one dispatch of a video to the analysis backend.
// At most one attempt per video may be running at any instant.
type AnalysisAttempt struct {
	ID         string
	VideoID    string
	Status     string
	ErrorKind  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Attempt status constants.
const (
	AttemptStatusRunning   = "running"
	AttemptStatusCompleted = "completed"
	AttemptStatusFailed    = "failed"
)

// Attempt error kind constants.
const (
	ErrorKindTimeout      = "timeout"
	ErrorKindInaccessible = "inaccessible"
	ErrorKindAnalysis     = "analysis-error"
	ErrorKindShutdown     = "instance-shutdown-or-hang"
)

// AnalysisRequest carries everything the analysis backend needs for one video.
type AnalysisRequest struct {
	VideoID         string
	PlatformVideoID string
	Title           string
	Description     string
	DurationSeconds int
	MatchedTargets  []string

	// SamplingRate is the fraction of the video the backend should inspect,
	// chosen from the duration-banded sampling table.
	SamplingRate float64

	// ResolutionHint tells the backend which rendition to fetch.
	ResolutionHint string
}

// AnalysisResult is the structured outcome of a completed analysis.
type AnalysisResult struct {
	Verdict          string
	Confidence       float32
	DetectedEntities []string
	Notes            string
	Usage            AnalysisUsage
}

// AnalysisUsage reports what one analysis consumed, for the spend ledger.
type AnalysisUsage struct {
	CostUSD     float64
	InputUnits  int64
	OutputUnits int64
}

// SpendLedger is the daily analysis spend record, one row per UTC day.
type SpendLedger struct {
	Day              time.Time
	UsedUSD          float64
	TotalRequests    int64
	TotalInputUnits  int64
	TotalOutputUnits int64
}

// DiscoveryRun summarizes one quota-bounded discovery invocation.
type DiscoveryRun struct {
	ID                  string
	MaxQuota            int
	SourceTrackingUsed  int
	TrendScanUsed       int
	KeywordSearchUsed   int
	RefreshUsed         int
	ItemsFound          int
	ItemsMatched        int
	SourcesTouched      int
	KeywordPhaseSkipped bool
	Status              string
	Error               string
	StartedAt           time.Time
	FinishedAt          time.Time
}

// Discovery run status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Target is a monitored title the system scans for.
type Target struct {
	Slug      string
	Title     string
	Keywords  []string
	Active    bool
	CreatedAt time.Time
}
