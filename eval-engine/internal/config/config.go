package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/policy"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type GovernanceConfig struct {
	Addr        string
	Store       string
	DatabaseURL string

	Trend      policy.TrendConfig
	Regression policy.RegressionConfig
	Demotion   policy.DemotionConfig

	Stream StreamConfig
	Auth   AuthConfig
}

// StreamConfig is only consulted with the postgres store; an empty broker
// list and bucket leave the streamer off.
type StreamConfig struct {
	KafkaBrokers   []string
	KafkaTopic     string
	S3Bucket       string
	S3Prefix       string
	S3Endpoint     string
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
}

func (s StreamConfig) Enabled() bool {
	return len(s.KafkaBrokers) > 0 || s.S3Bucket != ""
}

type AuthConfig struct {
	JWTSecret      string
	Issuer         string
	RequiredScope  string
	AllowDevHeader bool
}

const (
	defaultAddr        = ":8053"
	defaultKafkaTopic  = "agent-governance.events"
	defaultS3Prefix    = "agent-governance"
	defaultStreamBatch = 10
	defaultStreamPoll  = 3 * time.Second
	defaultStreamConc  = 5
	defaultScope       = "approvals:resolve"
)

func Load() (GovernanceConfig, error) {
	trend := policy.DefaultTrendConfig()
	reg := policy.DefaultRegressionConfig()
	dem := policy.DefaultDemotionConfig()

	cfg := GovernanceConfig{
		Addr:        getEnv("GOVERNANCE_ADDR", defaultAddr),
		Store:       strings.ToLower(getEnv("GOVERNANCE_STORE", "")),
		DatabaseURL: firstNonEmpty(os.Getenv("GOVERNANCE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		Trend: policy.TrendConfig{
			WindowSize:         getInt("GOVERNANCE_TREND_WINDOW", trend.WindowSize),
			MaxSuccessSwing:    getFloat("GOVERNANCE_TREND_MAX_SUCCESS_SWING", trend.MaxSuccessSwing),
			MaxConfidenceSwing: getFloat("GOVERNANCE_TREND_MAX_CONFIDENCE_SWING", trend.MaxConfidenceSwing),
			MinAvgSuccess:      getFloat("GOVERNANCE_TREND_MIN_AVG_SUCCESS", trend.MinAvgSuccess),
			MinAvgConfidence:   getFloat("GOVERNANCE_TREND_MIN_AVG_CONFIDENCE", trend.MinAvgConfidence),
			MaxLatencyRiseMs:   getFloat("GOVERNANCE_TREND_MAX_LATENCY_RISE_MS", trend.MaxLatencyRiseMs),
		},
		Regression: policy.RegressionConfig{
			MaxSuccessDrop:    getFloat("GOVERNANCE_REGRESSION_MAX_SUCCESS_DROP", reg.MaxSuccessDrop),
			MaxConfidenceDrop: getFloat("GOVERNANCE_REGRESSION_MAX_CONFIDENCE_DROP", reg.MaxConfidenceDrop),
			MaxLatencyRiseMs:  getFloat("GOVERNANCE_REGRESSION_MAX_LATENCY_RISE_MS", reg.MaxLatencyRiseMs),
		},
		Demotion: policy.DemotionConfig{
			SevereSuccessDrop:    getFloat("GOVERNANCE_DEMOTION_SUCCESS_DROP", dem.SevereSuccessDrop),
			SevereConfidenceDrop: getFloat("GOVERNANCE_DEMOTION_CONFIDENCE_DROP", dem.SevereConfidenceDrop),
			SevereLatencyRiseMs:  getFloat("GOVERNANCE_DEMOTION_LATENCY_RISE_MS", dem.SevereLatencyRiseMs),
		},
		Stream: StreamConfig{
			KafkaBrokers:   parseCSV(os.Getenv("GOVERNANCE_KAFKA_BROKERS")),
			KafkaTopic:     getEnv("GOVERNANCE_KAFKA_TOPIC", defaultKafkaTopic),
			S3Bucket:       os.Getenv("GOVERNANCE_S3_BUCKET"),
			S3Prefix:       getEnv("GOVERNANCE_S3_PREFIX", defaultS3Prefix),
			S3Endpoint:     os.Getenv("GOVERNANCE_S3_ENDPOINT"),
			BatchSize:      getInt("GOVERNANCE_STREAM_BATCH", defaultStreamBatch),
			PollInterval:   getDuration("GOVERNANCE_STREAM_POLL_INTERVAL", defaultStreamPoll),
			MaxConcurrency: getInt("GOVERNANCE_STREAM_CONCURRENCY", defaultStreamConc),
		},
		Auth: AuthConfig{
			JWTSecret:      os.Getenv("GOVERNANCE_JWT_SECRET"),
			Issuer:         os.Getenv("GOVERNANCE_JWT_ISSUER"),
			RequiredScope:  getEnv("GOVERNANCE_JWT_SCOPE", defaultScope),
			AllowDevHeader: getBool("GOVERNANCE_ALLOW_DEV_PRINCIPAL", false),
		},
	}

	if cfg.Store == "" {
		cfg.Store = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}
	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return GovernanceConfig{}, fmt.Errorf("DATABASE_URL or GOVERNANCE_DATABASE_URL required for postgres store")
		}
	default:
		return GovernanceConfig{}, fmt.Errorf("GOVERNANCE_STORE must be %q or %q, got %q", StoreMemory, StorePostgres, cfg.Store)
	}
	if cfg.Trend.WindowSize < 2 {
		return GovernanceConfig{}, fmt.Errorf("GOVERNANCE_TREND_WINDOW must be at least 2")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
