// Package config provides the configuration tree for a harvest run
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sink formats
const (
	SinkNDJSON   = "ndjson"
	SinkArray    = "array"
	SinkPostgres = "postgres"
)

// Checkpoint backends
const (
	BackendFile = "file"
	BackendDapr = "dapr"
)

// 404 handling policies
const (
	NotFoundPass  = "pass"  // fail immediately, retried only by the next pass
	NotFoundLocal = "local" // consume local attempts like any other non-2xx
)

// Config holds everything a harvest run needs
type Config struct {
	Input    InputConfig    `mapstructure:"input" json:"input"`
	Pipeline PipelineConfig `mapstructure:"pipeline" json:"pipeline"`
	Fetch    FetchConfig    `mapstructure:"fetch" json:"fetch"`
	Sink     SinkConfig     `mapstructure:"sink" json:"sink"`
	State    StateConfig    `mapstructure:"state" json:"state"`
	Failures FailureConfig  `mapstructure:"failures" json:"failures"`
	Recovery RecoveryConfig `mapstructure:"recovery" json:"recovery"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

// InputConfig describes the query point source
type InputConfig struct {
	Path      string `mapstructure:"path" json:"path"`             // CSV file or http(s) URL
	LatColumn string `mapstructure:"lat_column" json:"lat_column"` // Latitude header
	LonColumn string `mapstructure:"lon_column" json:"lon_column"` // Longitude header
	IDColumn  string `mapstructure:"id_column" json:"id_column"`   // Optional explicit row id header
}

// PipelineConfig holds the chunk/pass tunables
type PipelineConfig struct {
	ChunkSize        int `mapstructure:"chunk_size" json:"chunk_size"`
	Concurrency      int `mapstructure:"concurrency" json:"concurrency"`             // Max in-flight requests
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold"` // Failures before a point is abandoned
	MaxPasses        int `mapstructure:"max_passes" json:"max_passes"`               // Passes per chunk
}

// FetchConfig configures the remote lookup
type FetchConfig struct {
	Endpoint           string            `mapstructure:"endpoint" json:"endpoint"`
	PageSize           int               `mapstructure:"page_size" json:"page_size"`
	MaxAttempts        int               `mapstructure:"max_attempts" json:"max_attempts"`
	RetryDelay         time.Duration     `mapstructure:"retry_delay" json:"retry_delay"`
	RequestTimeout     time.Duration     `mapstructure:"request_timeout" json:"request_timeout"`
	RateLimit          float64           `mapstructure:"rate_limit" json:"rate_limit"` // Requests per second, 0 = unlimited
	RateBurst          int               `mapstructure:"rate_burst" json:"rate_burst"`
	NotFoundPolicy     string            `mapstructure:"not_found_policy" json:"not_found_policy"`
	InsecureSkipVerify bool              `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify"`
	Headers            map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// SinkConfig selects where records are committed
type SinkConfig struct {
	Format   string         `mapstructure:"format" json:"format"`
	Path     string         `mapstructure:"path" json:"path"`
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres"`
}

// PostgresConfig holds the relational sink settings
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn" json:"-"`
	Table    string `mapstructure:"table" json:"table"`
	MaxConns int    `mapstructure:"max_conns" json:"max_conns"`
}

// StateConfig selects the checkpoint backend
type StateConfig struct {
	Backend        string     `mapstructure:"backend" json:"backend"`
	CheckpointPath string     `mapstructure:"checkpoint_path" json:"checkpoint_path"`
	Dapr           DaprConfig `mapstructure:"dapr" json:"dapr"`
}

// DaprConfig holds Dapr state store settings
type DaprConfig struct {
	StoreName string `mapstructure:"store_name" json:"store_name"`
	Key       string `mapstructure:"key" json:"key"`
}

// FailureConfig says where failure reports go
type FailureConfig struct {
	Dir         string `mapstructure:"dir" json:"dir"`
	FinalReport string `mapstructure:"final_report" json:"final_report"`
}

// RecoveryConfig controls the end-of-run sweep over permanently failed points
type RecoveryConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	Passes  int  `mapstructure:"passes" json:"passes"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
}

// DefaultConfig returns a configuration with the values the job has run with in practice
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			LatColumn: "Lat",
			LonColumn: "Long",
		},
		Pipeline: PipelineConfig{
			ChunkSize:        100_000,
			Concurrency:      100,
			FailureThreshold: 3,
			MaxPasses:        3,
		},
		Fetch: FetchConfig{
			Endpoint:           "https://gnaf2.post.ir/post-services/buildings",
			PageSize:           20,
			MaxAttempts:        3,
			RequestTimeout:     30 * time.Second,
			RateBurst:          1,
			NotFoundPolicy:     NotFoundPass,
			InsecureSkipVerify: true,
			Headers: map[string]string{
				"Content-Type": "application/json",
				"Accept":       "*/*",
				"User-Agent":   "Mozilla/5.0",
				"Referer":      "https://gnaf2.post.ir/",
			},
		},
		Sink: SinkConfig{
			Format: SinkNDJSON,
			Path:   "buildings.json",
			Postgres: PostgresConfig{
				Table:    "buildings",
				MaxConns: 4,
			},
		},
		State: StateConfig{
			Backend:        BackendFile,
			CheckpointPath: "checkpoint.txt",
			Dapr: DaprConfig{
				StoreName: "statestore",
				Key:       "parcel-harvester/checkpoint",
			},
		},
		Failures: FailureConfig{
			Dir:         ".",
			FinalReport: "final_failed_rows.csv",
		},
		Recovery: RecoveryConfig{
			Enabled: false,
			Passes:  2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every default with v so env vars and config files can
// override individual keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("input.lat_column", d.Input.LatColumn)
	v.SetDefault("input.lon_column", d.Input.LonColumn)
	v.SetDefault("input.id_column", d.Input.IDColumn)
	v.SetDefault("input.path", d.Input.Path)
	v.SetDefault("pipeline.chunk_size", d.Pipeline.ChunkSize)
	v.SetDefault("pipeline.concurrency", d.Pipeline.Concurrency)
	v.SetDefault("pipeline.failure_threshold", d.Pipeline.FailureThreshold)
	v.SetDefault("pipeline.max_passes", d.Pipeline.MaxPasses)
	v.SetDefault("fetch.endpoint", d.Fetch.Endpoint)
	v.SetDefault("fetch.page_size", d.Fetch.PageSize)
	v.SetDefault("fetch.max_attempts", d.Fetch.MaxAttempts)
	v.SetDefault("fetch.retry_delay", d.Fetch.RetryDelay)
	v.SetDefault("fetch.request_timeout", d.Fetch.RequestTimeout)
	v.SetDefault("fetch.rate_limit", d.Fetch.RateLimit)
	v.SetDefault("fetch.rate_burst", d.Fetch.RateBurst)
	v.SetDefault("fetch.not_found_policy", d.Fetch.NotFoundPolicy)
	v.SetDefault("fetch.insecure_skip_verify", d.Fetch.InsecureSkipVerify)
	v.SetDefault("fetch.headers", d.Fetch.Headers)
	v.SetDefault("sink.format", d.Sink.Format)
	v.SetDefault("sink.path", d.Sink.Path)
	v.SetDefault("sink.postgres.dsn", d.Sink.Postgres.DSN)
	v.SetDefault("sink.postgres.table", d.Sink.Postgres.Table)
	v.SetDefault("sink.postgres.max_conns", d.Sink.Postgres.MaxConns)
	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.checkpoint_path", d.State.CheckpointPath)
	v.SetDefault("state.dapr.store_name", d.State.Dapr.StoreName)
	v.SetDefault("state.dapr.key", d.State.Dapr.Key)
	v.SetDefault("failures.dir", d.Failures.Dir)
	v.SetDefault("failures.final_report", d.Failures.FinalReport)
	v.SetDefault("recovery.enabled", d.Recovery.Enabled)
	v.SetDefault("recovery.passes", d.Recovery.Passes)
	v.SetDefault("log.level", d.Log.Level)
}

// Load reads the optional config file, the HARVEST_ environment and anything
// already bound on v, then validates the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Input.Path) == "" {
		return fmt.Errorf("input.path is required")
	}
	if c.Input.LatColumn == "" || c.Input.LonColumn == "" {
		return fmt.Errorf("input.lat_column and input.lon_column cannot be empty")
	}

	if c.Pipeline.ChunkSize < 1 {
		return fmt.Errorf("pipeline.chunk_size must be at least 1")
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1")
	}
	if c.Pipeline.FailureThreshold < 1 {
		return fmt.Errorf("pipeline.failure_threshold must be at least 1")
	}
	if c.Pipeline.MaxPasses < 1 {
		return fmt.Errorf("pipeline.max_passes must be at least 1")
	}

	if c.Fetch.Endpoint == "" {
		return fmt.Errorf("fetch.endpoint cannot be empty")
	}
	if c.Fetch.PageSize < 1 {
		return fmt.Errorf("fetch.page_size must be at least 1")
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be at least 1")
	}
	if c.Fetch.RequestTimeout <= 0 {
		return fmt.Errorf("fetch.request_timeout must be positive")
	}
	if c.Fetch.RetryDelay < 0 {
		return fmt.Errorf("fetch.retry_delay cannot be negative")
	}
	if c.Fetch.RateLimit < 0 {
		return fmt.Errorf("fetch.rate_limit cannot be negative")
	}
	if c.Fetch.NotFoundPolicy != NotFoundPass && c.Fetch.NotFoundPolicy != NotFoundLocal {
		return fmt.Errorf("invalid fetch.not_found_policy '%s', must be one of: %s, %s", c.Fetch.NotFoundPolicy, NotFoundPass, NotFoundLocal)
	}

	switch c.Sink.Format {
	case SinkNDJSON, SinkArray:
		if c.Sink.Path == "" {
			return fmt.Errorf("sink.path is required for the %s sink", c.Sink.Format)
		}
	case SinkPostgres:
		if c.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required for the postgres sink")
		}
		if c.Sink.Postgres.Table == "" {
			return fmt.Errorf("sink.postgres.table cannot be empty")
		}
	default:
		return fmt.Errorf("invalid sink.format '%s', must be one of: %s, %s, %s", c.Sink.Format, SinkNDJSON, SinkArray, SinkPostgres)
	}

	switch c.State.Backend {
	case BackendFile:
		if c.State.CheckpointPath == "" {
			return fmt.Errorf("state.checkpoint_path cannot be empty")
		}
	case BackendDapr:
		if c.State.Dapr.StoreName == "" || c.State.Dapr.Key == "" {
			return fmt.Errorf("state.dapr.store_name and state.dapr.key cannot be empty")
		}
	default:
		return fmt.Errorf("invalid state.backend '%s', must be one of: %s, %s", c.State.Backend, BackendFile, BackendDapr)
	}

	if c.Failures.FinalReport == "" {
		return fmt.Errorf("failures.final_report cannot be empty")
	}
	if c.Recovery.Passes < 1 {
		return fmt.Errorf("recovery.passes must be at least 1")
	}

	return nil
}
