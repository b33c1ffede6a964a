package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	OverrideStoreMemory = "memory"
	OverrideStoreSQLite = "sqlite"
)

// Config holds process configuration shared by the cli, worker and api binaries.
type Config struct {
	LogLevel  string
	LogFormat string

	Port string

	// Reconciliation
	Workers             int
	MatchWindow         time.Duration
	SimilarityThreshold float64
	RulesFile           string
	TagBatchSize        int

	// Google Cloud
	GCPProjectID string
	BQDataset    string
	GCSBucket    string
	GeminiModel  string

	// Override store
	OverrideStore string
	SQLitePath    string

	// AMQP
	AMQPURL         string
	AMQPExchange    string
	AMQPRunQueue    string
	AMQPReviewQueue string

	// Notion review sync
	NotionToken      string
	NotionReviewDBID string
}

// Load reads .env (when present) and the environment on top of defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return loadFrom(viper.New())
}

func loadFrom(v *viper.Viper) (*Config, error) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("PORT", "8080")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("MATCH_WINDOW", "720h")
	v.SetDefault("SIMILARITY_THRESHOLD", 0.85)
	v.SetDefault("RULES_FILE", "")
	v.SetDefault("TAG_BATCH_SIZE", 20)
	v.SetDefault("GCP_PROJECT_ID", "")
	v.SetDefault("BQ_DATASET", "ledger")
	v.SetDefault("GCS_BUCKET", "")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("OVERRIDE_STORE", OverrideStoreMemory)
	v.SetDefault("SQLITE_PATH", "./data/overrides.db")
	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "ledger")
	v.SetDefault("AMQP_RUN_QUEUE", "reconcile_runs")
	v.SetDefault("AMQP_REVIEW_QUEUE", "review_notices")
	v.SetDefault("NOTION_TOKEN", "")
	v.SetDefault("NOTION_REVIEW_DB_ID", "")
	v.AutomaticEnv()

	window, err := time.ParseDuration(v.GetString("MATCH_WINDOW"))
	if err != nil {
		return nil, fmt.Errorf("config: MATCH_WINDOW: %w", err)
	}

	cfg := &Config{
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogFormat:           v.GetString("LOG_FORMAT"),
		Port:                v.GetString("PORT"),
		Workers:             v.GetInt("WORKERS"),
		MatchWindow:         window,
		SimilarityThreshold: v.GetFloat64("SIMILARITY_THRESHOLD"),
		RulesFile:           v.GetString("RULES_FILE"),
		TagBatchSize:        v.GetInt("TAG_BATCH_SIZE"),
		GCPProjectID:        v.GetString("GCP_PROJECT_ID"),
		BQDataset:           v.GetString("BQ_DATASET"),
		GCSBucket:           v.GetString("GCS_BUCKET"),
		GeminiModel:         v.GetString("GEMINI_MODEL"),
		OverrideStore:       strings.ToLower(v.GetString("OVERRIDE_STORE")),
		SQLitePath:          v.GetString("SQLITE_PATH"),
		AMQPURL:             v.GetString("AMQP_URL"),
		AMQPExchange:        v.GetString("AMQP_EXCHANGE"),
		AMQPRunQueue:        v.GetString("AMQP_RUN_QUEUE"),
		AMQPReviewQueue:     v.GetString("AMQP_REVIEW_QUEUE"),
		NotionToken:         v.GetString("NOTION_TOKEN"),
		NotionReviewDBID:    v.GetString("NOTION_REVIEW_DB_ID"),
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if port, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("invalid port %q: must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d: must be at least 1", c.Workers))
	}
	if c.MatchWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid MATCH_WINDOW %s: must be positive", c.MatchWindow))
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid SIMILARITY_THRESHOLD %v: must be in (0, 1]", c.SimilarityThreshold))
	}
	if c.TagBatchSize < 1 {
		errs = append(errs, fmt.Errorf("invalid TAG_BATCH_SIZE %d: must be at least 1", c.TagBatchSize))
	}

	switch c.OverrideStore {
	case OverrideStoreMemory:
	case OverrideStoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH cannot be empty when OVERRIDE_STORE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid OVERRIDE_STORE %q: must be one of [memory sqlite]", c.OverrideStore))
	}

	if c.AMQPURL != "" {
		if u, err := url.Parse(c.AMQPURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid AMQP URL: %w", err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			errs = append(errs, fmt.Errorf("invalid AMQP URL scheme %q: must be amqp or amqps", u.Scheme))
		}
		if c.AMQPExchange == "" || c.AMQPRunQueue == "" {
			errs = append(errs, errors.New("AMQP exchange and run queue are required when AMQP_URL is set"))
		}
	}

	if (c.NotionToken == "") != (c.NotionReviewDBID == "") {
		errs = append(errs, errors.New("NOTION_TOKEN and NOTION_REVIEW_DB_ID must be set together"))
	}

	return errors.Join(errs...)
}

// BigQueryEnabled reports whether a GCP project is configured for the ledger sink.
func (c *Config) BigQueryEnabled() bool {
	return c.GCPProjectID != ""
}
