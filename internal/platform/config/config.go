package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Validation errors.
var (
	errDiscoveryHourRange  = errors.New("DISCOVERY_HOUR must be in [0,23]")
	errNonPositiveBudget   = errors.New("DAILY_ANALYSIS_BUDGET_USD must be positive")
	errNonPositivePrice    = errors.New("ANALYSIS_PRICE_PER_MINUTE_USD must be positive")
	errNonPositiveBatch    = errors.New("ANALYSIS_BATCH_SIZE must be positive")
	errNonPositiveAttempts = errors.New("MAX_ANALYSIS_ATTEMPTS must be positive")
	errNonPositiveWorkers  = errors.New("ANALYSIS_CONCURRENCY must be positive")
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`
	APIToken    string `env:"API_TOKEN"`

	// Database pool.
	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS" envDefault:"25"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS" envDefault:"5"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`

	// Platform data source (discovery quota is charged against these calls).
	PlatformAPIKey     string        `env:"PLATFORM_API_KEY,required"`
	PlatformAPIBaseURL string        `env:"PLATFORM_API_BASE_URL" envDefault:"https://www.googleapis.com/youtube/v3"`
	PlatformAPIRPS     float64       `env:"PLATFORM_API_RPS" envDefault:"5"`
	PlatformAPITimeout time.Duration `env:"PLATFORM_API_TIMEOUT" envDefault:"20s"`
	TrendRegions       []string      `env:"TREND_REGIONS" envSeparator:"," envDefault:"US"`

	// Discovery runs.
	DiscoveryMaxQuota int           `env:"DISCOVERY_MAX_QUOTA" envDefault:"10000"`
	DiscoveryHour     int           `env:"DISCOVERY_HOUR" envDefault:"6"`
	FeedWatchEnabled  bool          `env:"FEED_WATCH_ENABLED" envDefault:"true"`
	FeedWatchInterval time.Duration `env:"FEED_WATCH_INTERVAL" envDefault:"6h"`

	// Analysis backend and budget.
	AnalysisAPIKey      string        `env:"ANALYSIS_API_KEY,required"`
	AnalysisBaseURL     string        `env:"ANALYSIS_BASE_URL"`
	AnalysisModel       string        `env:"ANALYSIS_MODEL" envDefault:"gpt-4o-mini"`
	AnalysisTimeout     time.Duration `env:"ANALYSIS_TIMEOUT" envDefault:"10m"`
	AnalysisRPS         int           `env:"ANALYSIS_RPS" envDefault:"1"`
	DailyBudgetUSD      float64       `env:"DAILY_ANALYSIS_BUDGET_USD" envDefault:"240"`
	PricePerMinuteUSD   float64       `env:"ANALYSIS_PRICE_PER_MINUTE_USD" envDefault:"0.12"`
	AnalysisBatchSize   int           `env:"ANALYSIS_BATCH_SIZE" envDefault:"25"`
	AnalysisInterval    time.Duration `env:"ANALYSIS_INTERVAL" envDefault:"15m"`
	AnalysisConcurrency int           `env:"ANALYSIS_CONCURRENCY" envDefault:"10"`
	MaxAnalysisAttempts int           `env:"MAX_ANALYSIS_ATTEMPTS" envDefault:"2"`
	MinScanPriority     int           `env:"MIN_SCAN_PRIORITY" envDefault:"0"`

	// Watch-page accessibility pre-check before spending budget.
	PrecheckEnabled bool          `env:"ACCESS_PRECHECK_ENABLED" envDefault:"true"`
	PrecheckTimeout time.Duration `env:"ACCESS_PRECHECK_TIMEOUT" envDefault:"10s"`

	// Stuck-attempt reconciliation.
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	StuckThreshold time.Duration `env:"STUCK_THRESHOLD" envDefault:"20m"`

	// Source tiering.
	ColdStartMinScans int `env:"SOURCE_COLD_START_MIN_SCANS" envDefault:"5"`

	// Title embeddings for re-upload matching.
	EmbeddingsEnabled bool   `env:"EMBEDDINGS_ENABLED" envDefault:"false"`
	EmbeddingsModel   string `env:"EMBEDDINGS_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingsRPS     int    `env:"EMBEDDINGS_RPS" envDefault:"2"`

	// Ops alerts to a Telegram admin chat. Empty token disables alerts.
	AlertBotToken string `env:"ALERT_BOT_TOKEN"`
	AlertChatID   int64  `env:"ALERT_CHAT_ID"`
}

func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional, error is expected when not present

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DiscoveryHour < 0 || c.DiscoveryHour > 23 {
		return errDiscoveryHourRange
	}

	if c.DailyBudgetUSD <= 0 {
		return errNonPositiveBudget
	}

	if c.PricePerMinuteUSD <= 0 {
		return errNonPositivePrice
	}

	if c.AnalysisBatchSize <= 0 {
		return errNonPositiveBatch
	}

	if c.MaxAnalysisAttempts <= 0 {
		return errNonPositiveAttempts
	}

	if c.AnalysisConcurrency <= 0 {
		return errNonPositiveWorkers
	}

	return nil
}
