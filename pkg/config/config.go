// Package config loads the indexer configuration from YAML with SP_*
// environment overrides and validates the values the engine depends on.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Merge strategies understood by the periodic merge loop.
const (
	StrategyKnapsack = "knapsack"
	StrategyGreedy   = "greedy"
)

// Registry drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// MaxMergeBudgetBytes bounds the knapsack merge budget accepted from config
// and over HTTP.
const MaxMergeBudgetBytes = 1 << 30

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Registry RegistryConfig `yaml:"registry"`
	Search   SearchConfig   `yaml:"search"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds the registry database connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig controls the file event consumer. An empty broker list
// disables it.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	FileEvents    string   `yaml:"fileEventsTopic"`
}

// RedisConfig controls the optional search result cache. An empty address
// disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// IndexerConfig controls where segments live and how they are compacted.
// A zero MergeInterval disables the background merge loop.
type IndexerConfig struct {
	DataDir           string        `yaml:"dataDir"`
	MergeInterval     time.Duration `yaml:"mergeInterval"`
	MergeStrategy     string        `yaml:"mergeStrategy"`
	MergeBudgetBytes  int           `yaml:"mergeBudgetBytes"`
	MergeMaxPick      int           `yaml:"mergeMaxPick"`
	ReloadConcurrency int           `yaml:"reloadConcurrency"`
}

type RegistryConfig struct {
	Driver string `yaml:"driver"`
}

type SearchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// IngestConfig rate limits the write endpoints (ingest, merge, debug load).
// A zero RateLimit disables limiting.
type IngestConfig struct {
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "segindex",
			User:            "segindex",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "segindex-indexer",
			FileEvents:    "file-events",
		},
		Redis: RedisConfig{
			PoolSize: 10,
			CacheTTL: 30 * time.Second,
		},
		Indexer: IndexerConfig{
			DataDir:           "./data/segments",
			MergeInterval:     0,
			MergeStrategy:     StrategyKnapsack,
			MergeBudgetBytes:  50000,
			MergeMaxPick:      3,
			ReloadConcurrency: 8,
		},
		Registry: RegistryConfig{
			Driver: DriverPostgres,
		},
		Search: SearchConfig{
			Timeout: 5 * time.Second,
		},
		Ingest: IngestConfig{
			RateLimit: 0,
			Burst:     50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Indexer.MergeStrategy) {
	case StrategyKnapsack, "dp", StrategyGreedy:
	default:
		return fmt.Errorf("validating config: unknown merge strategy %q", c.Indexer.MergeStrategy)
	}
	switch strings.ToLower(c.Registry.Driver) {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("validating config: unknown registry driver %q", c.Registry.Driver)
	}
	if c.Indexer.DataDir == "" {
		return fmt.Errorf("validating config: indexer.dataDir is required")
	}
	if c.Indexer.MergeInterval < 0 {
		return fmt.Errorf("validating config: indexer.mergeInterval must not be negative")
	}
	if c.Indexer.MergeBudgetBytes < 0 || c.Indexer.MergeBudgetBytes > MaxMergeBudgetBytes {
		return fmt.Errorf("validating config: indexer.mergeBudgetBytes must be between 0 and %d", MaxMergeBudgetBytes)
	}
	if c.Ingest.RateLimit < 0 {
		return fmt.Errorf("validating config: ingest.rateLimit must not be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_KAFKA_FILE_EVENTS_TOPIC"); v != "" {
		cfg.Kafka.FileEvents = v
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_INDEXER_DATA_DIR"); v != "" {
		cfg.Indexer.DataDir = v
	}
	if v := os.Getenv("SP_INDEXER_MERGE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.MergeInterval = d
		}
	}
	if v := os.Getenv("SP_INDEXER_MERGE_STRATEGY"); v != "" {
		cfg.Indexer.MergeStrategy = v
	}
	if v := os.Getenv("SP_REGISTRY_DRIVER"); v != "" {
		cfg.Registry.Driver = v
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
