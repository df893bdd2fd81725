// Package config assembles the service configuration from the environment.
package config

import (
	"time"

	"github.com/joho/godotenv"

	"github.com/Checker-Finance/pricewatch/internal/alert"
	"github.com/Checker-Finance/pricewatch/internal/extract"
	"github.com/Checker-Finance/pricewatch/internal/matching"
	"github.com/Checker-Finance/pricewatch/internal/orchestrator"
	"github.com/Checker-Finance/pricewatch/internal/pricehistory"
	"github.com/Checker-Finance/pricewatch/internal/rate"
	"github.com/Checker-Finance/pricewatch/internal/store"
	pkgconfig "github.com/Checker-Finance/pricewatch/pkg/config"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// Config holds the runtime configuration of a pricewatch instance.
type Config struct {
	ServiceName string
	Env         string // "dev", "uat", "prod"
	LogLevel    string
	Port        int

	// DatabaseURL is used as is unless DatabaseSecret names an AWS secret.
	DatabaseURL    string
	DatabaseSecret string
	AWSRegion      string
	SecretCacheTTL time.Duration
	PGPool         store.PGPoolConfig

	RedisAddr string
	RedisDB   int

	NATSURL       string
	AlertSubject  string
	ScrapePrefix  string
	ScrapeTimeout time.Duration
	// FixtureDir switches ingestion to JSON files instead of NATS.
	FixtureDir string

	RabbitURL          string
	DeferredQueue      string
	DeferredMaxAttempt int
	DeferredRetryDelay time.Duration
	DeferredRetryMax   time.Duration

	WebhookURL      string
	WebhookToken    string
	WebhookRetryMax int
	WebhookRate     rate.Config
	DispatchBuffer  int
	DispatchWorkers int

	ReferenceTablesPath string
	CycleSchedule       string
	ReprocessInterval   time.Duration
	SuppressionPrefix   string

	Extract      extract.Config
	Matching     matching.Config
	PriceHistory pricehistory.Config
	Alert        alert.Config
	Orchestrator orchestrator.Config
	Politeness   rate.PolitenessConfig
}

// Load reads the environment, and a .env file when present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	ext := extract.DefaultConfig()
	mat := matching.DefaultConfig()
	ph := pricehistory.DefaultConfig()
	al := alert.DefaultConfig()
	orc := orchestrator.DefaultConfig()

	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "pricewatch"),
		Env:         pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:    pkgconfig.GetEnv("LOG_LEVEL", "info"),
		Port:        pkgconfig.GetEnvInt("PRICEWATCH_PORT", 9020),

		DatabaseURL:    pkgconfig.GetEnv("DATABASE_URL", ""),
		DatabaseSecret: pkgconfig.GetEnv("DATABASE_SECRET_NAME", ""),
		AWSRegion:      pkgconfig.GetEnv("AWS_REGION", "us-east-2"),
		SecretCacheTTL: pkgconfig.GetEnvDuration("SECRET_CACHE_TTL", 30*time.Minute),
		PGPool: store.PGPoolConfig{
			MaxConns:        int32(pkgconfig.GetEnvInt("PG_MAX_CONNS", 10)),
			MinConns:        int32(pkgconfig.GetEnvInt("PG_MIN_CONNS", 1)),
			MaxConnLifetime: pkgconfig.GetEnvDuration("PG_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: pkgconfig.GetEnvDuration("PG_MAX_CONN_IDLE", 30*time.Minute),
		},

		RedisAddr: pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   pkgconfig.GetEnvInt("REDIS_DB", 0),

		NATSURL:       pkgconfig.GetEnv("NATS_URL", "nats://localhost:4222"),
		AlertSubject:  pkgconfig.GetEnv("ALERT_SUBJECT", "evt.pricewatch.alert.v1"),
		ScrapePrefix:  pkgconfig.GetEnv("SCRAPE_SUBJECT_PREFIX", "cmd.scrape.v1"),
		ScrapeTimeout: pkgconfig.GetEnvDuration("SCRAPE_TIMEOUT", 30*time.Second),
		FixtureDir:    pkgconfig.GetEnv("FIXTURE_DIR", ""),

		RabbitURL:          pkgconfig.GetEnv("RABBITMQ_URL", ""),
		DeferredQueue:      pkgconfig.GetEnv("DEFERRED_QUEUE", "pricewatch.listings.deferred"),
		DeferredMaxAttempt: pkgconfig.GetEnvInt("DEFERRED_MAX_ATTEMPTS", 5),
		DeferredRetryDelay: pkgconfig.GetEnvDuration("DEFERRED_RETRY_DELAY", 30*time.Second),
		DeferredRetryMax:   pkgconfig.GetEnvDuration("DEFERRED_RETRY_MAX", 30*time.Minute),

		WebhookURL:      pkgconfig.GetEnv("ALERT_WEBHOOK_URL", ""),
		WebhookToken:    pkgconfig.GetEnv("ALERT_WEBHOOK_TOKEN", ""),
		WebhookRetryMax: pkgconfig.GetEnvInt("ALERT_WEBHOOK_RETRIES", 3),
		WebhookRate: rate.Config{
			RequestsPerSecond: pkgconfig.GetEnvInt("ALERT_WEBHOOK_RPS", 5),
			Burst:             pkgconfig.GetEnvInt("ALERT_WEBHOOK_BURST", 10),
		},
		DispatchBuffer:  pkgconfig.GetEnvInt("ALERT_DISPATCH_BUFFER", 256),
		DispatchWorkers: pkgconfig.GetEnvInt("ALERT_DISPATCH_WORKERS", 2),

		ReferenceTablesPath: pkgconfig.GetEnv("REFERENCE_TABLES_PATH", "configs/reference.json"),
		CycleSchedule:       pkgconfig.GetEnv("CYCLE_SCHEDULE", "@every 30m"),
		ReprocessInterval:   pkgconfig.GetEnvDuration("REPROCESS_INTERVAL", time.Hour),
		SuppressionPrefix:   pkgconfig.GetEnv("ALERT_SUPPRESSION_PREFIX", "pricewatch:alert:suppress"),

		Extract: extract.Config{
			SecondaryBelow: pkgconfig.GetEnvInt64("CURRENCY_SECONDARY_BELOW", ext.SecondaryBelow),
			CurrencyRatio:  pkgconfig.GetEnvInt64("CURRENCY_RATIO", model.DefaultCurrencyRatio),
		},
		Matching: matching.Config{
			MergeThreshold:   pkgconfig.GetEnvFloat("MATCH_THRESHOLD", mat.MergeThreshold),
			TitleWeight:      pkgconfig.GetEnvFloat("MATCH_TITLE_WEIGHT", mat.TitleWeight),
			BrandModelWeight: pkgconfig.GetEnvFloat("MATCH_BRAND_MODEL_WEIGHT", mat.BrandModelWeight),
			MinPriceRatio:    pkgconfig.GetEnvFloat("MATCH_MIN_PRICE_RATIO", mat.MinPriceRatio),
			MaxPriceRatio:    pkgconfig.GetEnvFloat("MATCH_MAX_PRICE_RATIO", mat.MaxPriceRatio),
		},
		PriceHistory: pricehistory.Config{
			Retention:     pkgconfig.GetEnvDuration("PRICE_RETENTION", ph.Retention),
			MinSlope:      pkgconfig.GetEnvFloat("TREND_MIN_SLOPE", ph.MinSlope),
			VolatileRatio: pkgconfig.GetEnvFloat("VOLATILE_RATIO", ph.VolatileRatio),
			Window:        pkgconfig.GetEnvInt("TREND_WINDOW", ph.Window),
		},
		Alert: alert.Config{
			DropPercent:       pkgconfig.GetEnvFloat("ALERT_DROP_PERCENT", al.DropPercent),
			IncreasePercent:   pkgconfig.GetEnvFloat("ALERT_INCREASE_PERCENT", al.IncreasePercent),
			SpreadPercent:     pkgconfig.GetEnvFloat("ALERT_SPREAD_PERCENT", al.SpreadPercent),
			SpreadRecency:     pkgconfig.GetEnvDuration("ALERT_SPREAD_RECENCY", al.SpreadRecency),
			SuppressionWindow: pkgconfig.GetEnvDuration("ALERT_SUPPRESSION_WINDOW", al.SuppressionWindow),
			VolatilityWindow:  pkgconfig.GetEnvInt("ALERT_VOLATILITY_WINDOW", al.VolatilityWindow),
		},
		Orchestrator: orchestrator.Config{
			CatalogRetries:         pkgconfig.GetEnvInt("CATALOG_RETRIES", orc.CatalogRetries),
			RetryBaseDelay:         pkgconfig.GetEnvDuration("CATALOG_RETRY_BASE", orc.RetryBaseDelay),
			RetryMaxDelay:          pkgconfig.GetEnvDuration("CATALOG_RETRY_MAX", orc.RetryMaxDelay),
			CategoryCandidateLimit: pkgconfig.GetEnvInt("CATEGORY_CANDIDATE_LIMIT", orc.CategoryCandidateLimit),
			VendorConcurrency:      pkgconfig.GetEnvInt("VENDOR_CONCURRENCY", orc.VendorConcurrency),
			Workers:                pkgconfig.GetEnvInt("PIPELINE_WORKERS", orc.Workers),
			Vendors:                pkgconfig.GetEnvList("VENDORS", nil),
			Categories:             pkgconfig.GetEnvList("CATEGORIES", []string{"mobile"}),
			ReprocessBatch:         pkgconfig.GetEnvInt("REPROCESS_BATCH", orc.ReprocessBatch),
		},
		Politeness: rate.PolitenessConfig{
			MinDelay: pkgconfig.GetEnvDuration("POLITENESS_MIN_DELAY", time.Second),
			MaxDelay: pkgconfig.GetEnvDuration("POLITENESS_MAX_DELAY", 3*time.Second),
		},
	}
}
