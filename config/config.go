package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the docstack server.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	RAG       RAGConfig       `mapstructure:"rag"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	// AdminEmails lists accounts that receive the admin scope at login.
	AdminEmails []string `mapstructure:"admin_emails"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres  PostgresConfig `mapstructure:"postgres"`
	Redis     RedisConfig    `mapstructure:"redis"`
	UploadDir string         `mapstructure:"upload_dir"`
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
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings. Redis is optional: the
// ingest event journal and the reconciler lock degrade gracefully without it.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != "" && strings.TrimSpace(r.Port) != ""
}

// Addr returns host:port for the go-redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// LLMConfig contains completion provider settings.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`

	SummaryMaxInputChars int     `mapstructure:"summary_max_input_chars"`
	SummaryMaxTokens     int     `mapstructure:"summary_max_tokens"`
	TaggingMaxInputChars int     `mapstructure:"tagging_max_input_chars"`
	TaggingMaxTags       int     `mapstructure:"tagging_max_tags"`
	TaggingMaxTokens     int     `mapstructure:"tagging_max_tokens"`
	StageTemperature     float64 `mapstructure:"stage_temperature"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key required")
	}
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model required")
	}
	return nil
}

// EmbeddingConfig contains embedding provider settings.
type EmbeddingConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	BatchSize  int           `mapstructure:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (e EmbeddingConfig) Validate() error {
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("embedding.model required")
	}
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	return nil
}

// ChunkingConfig controls how extracted text is split into chunks.
type ChunkingConfig struct {
	MinChunkWords int `mapstructure:"min_chunk_words"`
	MaxChunkWords int `mapstructure:"max_chunk_words"`
}

func (c ChunkingConfig) Validate() error {
	if c.MinChunkWords <= 0 || c.MaxChunkWords <= 0 {
		return fmt.Errorf("chunking.min_chunk_words and chunking.max_chunk_words must be > 0")
	}
	if c.MinChunkWords > c.MaxChunkWords {
		return fmt.Errorf("chunking.min_chunk_words must not exceed chunking.max_chunk_words")
	}
	return nil
}

// RAGConfig controls retrieval and answer generation.
type RAGConfig struct {
	TopK             int     `mapstructure:"top_k"`
	MaxContextTokens int     `mapstructure:"max_context_tokens"`
	TokensPerWord    float64 `mapstructure:"tokens_per_word"`
	SimilarityFloor  float64 `mapstructure:"similarity_floor"`
}

// ReconcileConfig controls the chunk/vector consistency sweeper.
type ReconcileConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CronSpec string `mapstructure:"cron_spec"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads config from the given file path, or from the default
// search paths when path is empty. Environment variables prefixed with
// DOCSTACK_ override file values (dots become underscores).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "30s")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("storage.upload_dir", "./data/uploads")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.summary_max_input_chars", 10000)
	v.SetDefault("llm.summary_max_tokens", 300)
	v.SetDefault("llm.tagging_max_input_chars", 8000)
	v.SetDefault("llm.tagging_max_tags", 10)
	v.SetDefault("llm.tagging_max_tokens", 200)
	v.SetDefault("llm.stage_temperature", 0.3)
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("chunking.min_chunk_words", 150)
	v.SetDefault("chunking.max_chunk_words", 300)
	v.SetDefault("rag.top_k", 10)
	v.SetDefault("rag.max_context_tokens", 3000)
	v.SetDefault("rag.tokens_per_word", 1.3)
	v.SetDefault("rag.similarity_floor", 0.0)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.cron_spec", "*/15 * * * *")
	v.SetDefault("telemetry.enabled", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DOCSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is acceptable when env vars supply everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Embedding.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Chunking.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
