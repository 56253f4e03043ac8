// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all configuration for the reel pipeline.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Database settings
	DatabaseURL string `env:"DATABASE_URL" json:"-"`
	DBDebug     bool   `env:"DB_DEBUG, default=false" json:"db_debug"`

	// Broker settings
	BrokerDriver  string `env:"BROKER_DRIVER, default=redis" json:"broker_driver"` // "redis" or "memory"
	RedisHost     string `env:"REDIS_HOST, default=localhost" json:"redis_host"`
	RedisPort     string `env:"REDIS_PORT, default=6379" json:"redis_port"`
	RedisPassword string `env:"REDIS_PASSWORD" json:"-"`

	// Blob store settings
	BlobDriver         string `env:"BLOB_DRIVER, default=s3" json:"blob_driver"` // "s3" or "fs"
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION, default=us-east-1" json:"s3_region"`
	S3BaseURL          string `env:"S3_BASE_URL" json:"s3_base_url,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"`
	BlobDir            string `env:"BLOB_DIR, default=/var/lib/reelforge/blobs" json:"blob_dir"`

	// Scratch space for stage downloads and tool output
	ScratchDir string `env:"SCRATCH_DIR, default=/tmp/reelforge" json:"scratch_dir"`

	// Job input limits
	MaxClipCount int   `env:"MAX_CLIP_COUNT, default=5" json:"max_clip_count"`
	MaxFileSize  int64 `env:"MAX_FILE_SIZE, default=104857600" json:"max_file_size"` // 100 MiB

	// Worker and retry settings
	WorkerCount       int           `env:"WORKER_COUNT, default=4" json:"worker_count"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS, default=2" json:"max_attempts"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT, default=15m" json:"visibility_timeout"`
	RequeueSlack      time.Duration `env:"REQUEUE_SLACK, default=2m" json:"requeue_slack"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY, default=30s" json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY, default=10m" json:"retry_max_delay"`

	// Per-job stage fan-out cap (normalize runs at most this many clips at once)
	ClipConcurrency int `env:"CLIP_CONCURRENCY, default=2" json:"clip_concurrency"`

	// External tool settings
	ToolGraceTimeout time.Duration `env:"TOOL_GRACE_TIMEOUT, default=5s" json:"tool_grace_timeout"`

	// Per-stage timeouts
	TimeoutAudioSlice   time.Duration `env:"TIMEOUT_AUDIO_SLICE, default=60s" json:"timeout_audio_slice"`
	TimeoutBeats        time.Duration `env:"TIMEOUT_BEATS, default=60s" json:"timeout_beats"`
	TimeoutPlan         time.Duration `env:"TIMEOUT_PLAN, default=30s" json:"timeout_plan"`
	TimeoutNormalize    time.Duration `env:"TIMEOUT_NORMALIZE, default=180s" json:"timeout_normalize"`
	TimeoutCutAndConcat time.Duration `env:"TIMEOUT_CUT_AND_CONCAT, default=240s" json:"timeout_cut_and_concat"`
	TimeoutStyleGrade   time.Duration `env:"TIMEOUT_STYLE_GRADE, default=120s" json:"timeout_style_grade"`
	TimeoutMux          time.Duration `env:"TIMEOUT_MUX, default=60s" json:"timeout_mux"`
	TimeoutQualityGate  time.Duration `env:"TIMEOUT_QUALITY_GATE, default=30s" json:"timeout_quality_gate"`

	// Retention settings
	TerminalRetention  time.Duration `env:"TERMINAL_RETENTION, default=1h" json:"terminal_retention"`
	AbandonedRetention time.Duration `env:"ABANDONED_RETENTION, default=24h" json:"abandoned_retention"`
	ReaperInterval     time.Duration `env:"REAPER_INTERVAL, default=10m" json:"reaper_interval"`
	RequeueInterval    time.Duration `env:"REQUEUE_INTERVAL, default=1m" json:"requeue_interval"`

	// Logging settings
	LogLevel string `env:"LOG_LEVEL, default=info" json:"log_level"`
	LogFile  string `env:"LOG_FILE, default=server.log" json:"log_file"`

	// Tracing settings
	OtelEnabled  bool   `env:"OTEL_ENABLED, default=false" json:"otel_enabled"`
	OtelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT, default=localhost:4318" json:"otel_endpoint"`
}

// Load reads configuration from environment variables using go-envconfig.
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	if c.MaxClipCount < 1 {
		return fmt.Errorf("config: MAX_CLIP_COUNT must be at least 1, got %d", c.MaxClipCount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.ClipConcurrency < 1 {
		return fmt.Errorf("config: CLIP_CONCURRENCY must be at least 1, got %d", c.ClipConcurrency)
	}
	if c.BlobDriver == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("config: S3_BUCKET is required when BLOB_DRIVER=s3")
	}
	return nil
}

// StageTimeout returns the configured timeout for a named pipeline stage.
// Fan-out stages (normalize_0, normalize_1, ...) share the normalize timeout.
func (c *Config) StageTimeout(stage string) time.Duration {
	switch stage {
	case "audio_slice":
		return c.TimeoutAudioSlice
	case "beats":
		return c.TimeoutBeats
	case "plan":
		return c.TimeoutPlan
	case "cut_and_concat":
		return c.TimeoutCutAndConcat
	case "style_grade":
		return c.TimeoutStyleGrade
	case "mux":
		return c.TimeoutMux
	case "quality_gate":
		return c.TimeoutQualityGate
	}
	if len(stage) >= len("normalize") && stage[:len("normalize")] == "normalize" {
		return c.TimeoutNormalize
	}
	return c.TimeoutNormalize
}
