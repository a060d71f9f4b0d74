// Package config loads the orchestrator configuration once at startup. The
// rest of the system consumes the resulting immutable struct; nothing
// re-reads environment variables at runtime.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable top-level configuration.
type Config struct {
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type VectorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Dimension int           `mapstructure:"dimension"`
	TopK      int           `mapstructure:"top_k"`
}

// EmbeddingConfig points at the embedding endpoint feeding the vector index.
// When disabled, vector-index writes that need an embedding are skipped.
type EmbeddingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SandboxConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Languages     []string      `mapstructure:"languages"`
	NetworkOff    bool          `mapstructure:"network_off"`
}

// WorkflowConfig carries the runtime knobs for the capsule workflow. The
// defaults implement the single fixed policy per activity kind.
type WorkflowConfig struct {
	MaxConcurrency      int           `mapstructure:"max_concurrency"`
	MaxRetries          int           `mapstructure:"max_retries"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	ApprovalTimeout     time.Duration `mapstructure:"approval_timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	CancelGrace         time.Duration `mapstructure:"cancel_grace"`
}

type StreamingConfig struct {
	RingCapacity     int           `mapstructure:"ring_capacity"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	DropThreshold    int           `mapstructure:"drop_threshold"`
}

type PolicyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Mode    string `mapstructure:"mode"` // off | dry-run | enforce
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config/capsuleforge.yaml (or CONFIG_PATH) plus environment
// overrides and returns the immutable configuration.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/capsuleforge.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env + defaults are enough for workers.
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	v.SetEnvPrefix("CAPSULE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("temporal.host_port", "temporal:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "capsule-generation")

	v.SetDefault("postgres.host", "postgres")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "capsule")
	v.SetDefault("postgres.database", "capsule")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_connections", 25)
	v.SetDefault("postgres.idle_connections", 5)
	v.SetDefault("postgres.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("vector.enabled", true)
	v.SetDefault("vector.host", "qdrant")
	v.SetDefault("vector.port", 6333)
	v.SetDefault("vector.timeout", 5*time.Second)
	v.SetDefault("vector.dimension", 1536)
	v.SetDefault("vector.top_k", 5)

	v.SetDefault("embedding.enabled", true)
	v.SetDefault("embedding.base_url", "http://llm-service:8000")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.timeout", 5*time.Second)
	v.SetDefault("embedding.cache_ttl", time.Hour)

	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout", 10*time.Minute)

	v.SetDefault("sandbox.base_url", "http://sandbox:8070")
	v.SetDefault("sandbox.max_concurrent", 16)
	v.SetDefault("sandbox.queue_depth", 64)
	v.SetDefault("sandbox.timeout", 5*time.Minute)
	v.SetDefault("sandbox.languages", []string{"python", "javascript", "typescript", "go"})
	v.SetDefault("sandbox.network_off", true)

	v.SetDefault("workflow.max_concurrency", 8)
	v.SetDefault("workflow.max_retries", 3)
	v.SetDefault("workflow.heartbeat_interval", 30*time.Second)
	v.SetDefault("workflow.approval_timeout", 30*time.Minute)
	v.SetDefault("workflow.confidence_threshold", 0.7)
	v.SetDefault("workflow.cache_ttl", 24*time.Hour)
	v.SetDefault("workflow.cancel_grace", 30*time.Second)

	v.SetDefault("streaming.ring_capacity", 100)
	v.SetDefault("streaming.history_retention", time.Hour)
	v.SetDefault("streaming.drop_threshold", 32)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.mode", "dry-run")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "capsule-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)
}

func (c *Config) validate() error {
	if c.Workflow.MaxConcurrency <= 0 {
		return fmt.Errorf("workflow.max_concurrency must be > 0")
	}
	if c.Workflow.MaxRetries <= 0 {
		return fmt.Errorf("workflow.max_retries must be > 0")
	}
	if c.Workflow.ConfidenceThreshold <= 0 || c.Workflow.ConfidenceThreshold > 1 {
		return fmt.Errorf("workflow.confidence_threshold must be in (0,1]")
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be > 0")
	}
	switch c.Policy.Mode {
	case "", "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("policy.mode must be off, dry-run or enforce")
	}
	return nil
}
