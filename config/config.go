package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Gate      GateConfig      `mapstructure:"gate"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig describes the analysis model provider. The pipeline treats the
// provider as an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model required")
	}
	if strings.TrimSpace(l.BaseURL) == "" {
		return fmt.Errorf("llm.base_url required")
	}
	return nil
}

// StorageConfig contains storage settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
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

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
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

// RedisConfig contains Redis connection settings for the response cache.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
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

// PipelineConfig tunes the research engine and stage executor.
type PipelineConfig struct {
	Workers         int                      `mapstructure:"workers"`
	SweepBatchSize  int                      `mapstructure:"sweep_batch_size"`
	RunBudget       time.Duration            `mapstructure:"run_budget"`
	StageTimeout    time.Duration            `mapstructure:"stage_timeout"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	RetryBackoff    time.Duration            `mapstructure:"retry_backoff"`
	RetryBackoffMax time.Duration            `mapstructure:"retry_backoff_max"`
	CacheTTL        time.Duration            `mapstructure:"cache_ttl"`
	StageCacheTTL   map[string]time.Duration `mapstructure:"stage_cache_ttl"`
}

func (p PipelineConfig) Validate() error {
	if p.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if p.RunBudget <= 0 {
		return fmt.Errorf("pipeline.run_budget must be > 0")
	}
	if p.StageTimeout <= 0 {
		return fmt.Errorf("pipeline.stage_timeout must be > 0")
	}
	return nil
}

// GateConfig tunes the quality gate.
type GateConfig struct {
	PersistThreshold   float64 `mapstructure:"persist_threshold"`
	MinTrainingSamples int     `mapstructure:"min_training_samples"`
}

// MemoryConfig tunes semantic retrieval over prior insights and patterns.
type MemoryConfig struct {
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions"`
	SearchTopK          int     `mapstructure:"search_top_k"`
	SearchThreshold     float64 `mapstructure:"search_threshold"`
}

// SchedulerConfig drives periodic signal sweeps.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// LoadConfig loads config from file, applying defaults and env overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.max_tokens", 4000)
	viper.SetDefault("llm.timeout", time.Minute)
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.redis.port", "6379")
	viper.SetDefault("storage.redis.timeout", 5*time.Second)
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.sweep_batch_size", 50)
	viper.SetDefault("pipeline.run_budget", 10*time.Minute)
	viper.SetDefault("pipeline.stage_timeout", time.Minute)
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.retry_backoff", time.Second)
	viper.SetDefault("pipeline.retry_backoff_max", 10*time.Second)
	viper.SetDefault("pipeline.cache_ttl", 24*time.Hour)
	viper.SetDefault("gate.persist_threshold", 7.0)
	viper.SetDefault("gate.min_training_samples", 20)
	viper.SetDefault("memory.embedding_dimensions", 1536)
	viper.SetDefault("memory.search_top_k", 5)
	viper.SetDefault("memory.search_threshold", 0.7)
	viper.SetDefault("scheduler.cron", "0 7 * * 1-5")

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

	viper.SetEnvPrefix("ALPHASIFT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env vars are enough to run.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
