package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis pipeline system.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Detect    DetectConfig    `mapstructure:"detect"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Timeout      time.Duration `mapstructure:"timeout"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders a connection string for lib/pq.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// PipelineConfig controls run orchestration and finalization behaviour.
type PipelineConfig struct {
	RequiredSteps        []string      `mapstructure:"required_steps"`
	OptionalSteps        []string      `mapstructure:"optional_steps"`
	StalenessThreshold   time.Duration `mapstructure:"staleness_threshold"`
	MaxReinitializations int           `mapstructure:"max_reinitializations"`
	FinalizerLockTTL     time.Duration `mapstructure:"finalizer_lock_ttl"`
	FinalizerBackoffMin  time.Duration `mapstructure:"finalizer_backoff_min"`
	FinalizerBackoffMax  time.Duration `mapstructure:"finalizer_backoff_max"`
	FinalizerBackoffCap  time.Duration `mapstructure:"finalizer_backoff_cap"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
}

func (p PipelineConfig) Validate() error {
	if len(p.RequiredSteps) == 0 {
		return fmt.Errorf("pipeline.required_steps must not be empty")
	}
	if p.MaxReinitializations < 0 {
		return fmt.Errorf("pipeline.max_reinitializations cannot be negative")
	}
	if p.FinalizerBackoffMin > p.FinalizerBackoffMax {
		return fmt.Errorf("pipeline.finalizer_backoff_min must not exceed finalizer_backoff_max")
	}
	return nil
}

// IdentityConfig carries the matching and promotion thresholds. The values are
// empirical; treat them as tunables, not structural requirements.
type IdentityConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	PromotionMinCount   int     `mapstructure:"promotion_min_count"`
	PromotionMinRatio   float64 `mapstructure:"promotion_min_ratio"`
	FrequentTier        int     `mapstructure:"frequent_tier"`
	VeryFrequentTier    int     `mapstructure:"very_frequent_tier"`
	MaxLinkedUsernames  int     `mapstructure:"max_linked_usernames"`
	MaxSignatureHistory int     `mapstructure:"max_signature_history"`
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions"`
}

func (i IdentityConfig) Validate() error {
	if i.SimilarityThreshold <= 0 || i.SimilarityThreshold > 1 {
		return fmt.Errorf("identity.similarity_threshold must be in (0,1]")
	}
	if i.PromotionMinRatio <= 0 || i.PromotionMinRatio > 1 {
		return fmt.Errorf("identity.promotion_min_ratio must be in (0,1]")
	}
	if i.FrequentTier > i.VeryFrequentTier {
		return fmt.Errorf("identity.frequent_tier must not exceed very_frequent_tier")
	}
	if i.EmbeddingDimensions <= 0 {
		return fmt.Errorf("identity.embedding_dimensions must be > 0")
	}
	return nil
}

// SchedulerConfig controls profile scanning, leasing and resource admission.
type SchedulerConfig struct {
	ScanCron        string        `mapstructure:"scan_cron"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	MaxDeferrals    int           `mapstructure:"max_deferrals"`
	MaxQueueLag     int64         `mapstructure:"max_queue_lag"`
	MaxInFlightJobs int64         `mapstructure:"max_in_flight_jobs"`
	GuardRetryIn    time.Duration `mapstructure:"guard_retry_in"`
}

func (s SchedulerConfig) Validate() error {
	if s.LeaseTTL <= 0 {
		return fmt.Errorf("scheduler.lease_ttl must be > 0")
	}
	if s.MaxDeferrals < 0 {
		return fmt.Errorf("scheduler.max_deferrals cannot be negative")
	}
	return nil
}

// DetectConfig selects and configures the detection/embedding collaborators.
type DetectConfig struct {
	Provider         string        `mapstructure:"provider"` // cloud, local, fallback
	CloudBaseURL     string        `mapstructure:"cloud_base_url"`
	CloudAPIKey      string        `mapstructure:"cloud_api_key"`
	LocalBaseURL     string        `mapstructure:"local_base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FallbackEmbedder bool          `mapstructure:"fallback_embedder"`
}

func (d DetectConfig) Validate() error {
	switch d.Provider {
	case "cloud":
		if strings.TrimSpace(d.CloudBaseURL) == "" {
			return fmt.Errorf("detect.cloud_base_url required for cloud provider")
		}
	case "local":
		if strings.TrimSpace(d.LocalBaseURL) == "" {
			return fmt.Errorf("detect.local_base_url required for local provider")
		}
	case "fallback":
	default:
		return fmt.Errorf("detect.provider must be one of cloud, local, fallback")
	}
	return nil
}

// IngestConfig configures the content source used by profile scans. An empty
// base URL disables scanning; scopes can still be fed by external ingestion.
type IngestConfig struct {
	SourceBaseURL  string        `mapstructure:"source_base_url"`
	PageSize       int           `mapstructure:"page_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func (i IngestConfig) Validate() error {
	if i.PageSize < 0 {
		return fmt.Errorf("ingest.page_size cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	LogFile      string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", 30*time.Second)

	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.redis.timeout", 5*time.Second)
	viper.SetDefault("storage.redis.stream_max_len", 100000)

	viper.SetDefault("pipeline.required_steps", []string{"visual", "faces", "metadata"})
	viper.SetDefault("pipeline.optional_steps", []string{"ocr", "video"})
	viper.SetDefault("pipeline.staleness_threshold", 10*time.Minute)
	viper.SetDefault("pipeline.max_reinitializations", 2)
	viper.SetDefault("pipeline.finalizer_lock_ttl", 30*time.Second)
	viper.SetDefault("pipeline.finalizer_backoff_min", 14*time.Second)
	viper.SetDefault("pipeline.finalizer_backoff_max", 18*time.Second)
	viper.SetDefault("pipeline.finalizer_backoff_cap", 5*time.Minute)
	viper.SetDefault("pipeline.poll_interval", time.Minute)

	viper.SetDefault("identity.similarity_threshold", 0.85)
	viper.SetDefault("identity.promotion_min_count", 3)
	viper.SetDefault("identity.promotion_min_ratio", 0.60)
	viper.SetDefault("identity.frequent_tier", 3)
	viper.SetDefault("identity.very_frequent_tier", 6)
	viper.SetDefault("identity.max_linked_usernames", 30)
	viper.SetDefault("identity.max_signature_history", 50)
	viper.SetDefault("identity.embedding_dimensions", 512)

	viper.SetDefault("scheduler.scan_cron", "@hourly")
	viper.SetDefault("scheduler.tick_interval", time.Minute)
	viper.SetDefault("scheduler.lease_ttl", 2*time.Minute)
	viper.SetDefault("scheduler.max_deferrals", 5)
	viper.SetDefault("scheduler.max_queue_lag", 256)
	viper.SetDefault("scheduler.max_in_flight_jobs", 32)
	viper.SetDefault("scheduler.guard_retry_in", 30*time.Second)

	viper.SetDefault("detect.provider", "fallback")
	viper.SetDefault("detect.request_timeout", 60*time.Second)
	viper.SetDefault("detect.fallback_embedder", true)

	viper.SetDefault("ingest.page_size", 25)
	viper.SetDefault("ingest.request_timeout", 30*time.Second)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.metrics_port", 9310)
}

// Load reads configuration from the given file path, or searches the usual
// locations when path is empty. Environment variables prefixed FACEGRAPH_
// override file values.
func Load(path string) (*Config, error) {
	viper.SetConfigName("facegraph")
	viper.SetConfigType("yaml")
	setDefaults()

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FACEGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is acceptable: defaults plus env cover every knob.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for _, v := range []interface{ Validate() error }{
		cfg.Storage.Redis, cfg.Storage.Postgres, cfg.Pipeline,
		cfg.Identity, cfg.Scheduler, cfg.Detect, cfg.Ingest, cfg.Telemetry,
	} {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
