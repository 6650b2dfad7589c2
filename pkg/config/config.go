// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Indexer, Extractor, Sorter, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Sorter    SorterConfig    `yaml:"sorter"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// MaxBodyBytes caps request bodies of the batch API.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentBatches string `yaml:"documentBatches"`
	BatchComplete   string `yaml:"batchComplete"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// IndexerConfig controls where batches are written and how many run at once.
type IndexerConfig struct {
	DataDir string `yaml:"dataDir"`
	// TempDir receives sorter chunks. Empty means <dataDir>/tmp.
	TempDir    string `yaml:"tempDir"`
	MaxThreads int    `yaml:"maxThreads"`
	// BatchSize is the number of documents handed to one extractor.
	BatchSize int `yaml:"batchSize"`
	// MaxMemory is the sorter memory budget shared by all threads, in bytes.
	MaxMemory     int           `yaml:"maxMemory"`
	RetryAttempts int           `yaml:"retryAttempts"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	// MaxDocuments caps the number of documents accepted in one request.
	MaxDocuments int `yaml:"maxDocuments"`
}

// MaxMemoryByThread splits the memory budget evenly across worker threads.
func (c IndexerConfig) MaxMemoryByThread() int {
	if c.MaxThreads <= 0 {
		return c.MaxMemory
	}
	return c.MaxMemory / c.MaxThreads
}

// ChunkDir returns the directory for sorter chunks.
func (c IndexerConfig) ChunkDir() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return c.DataDir + string(os.PathSeparator) + "tmp"
}

// ExtractorConfig tunes postings extraction.
type ExtractorConfig struct {
	AttributeSpan uint32 `yaml:"attributeSpan"`
	// SearchableFields restricts extraction to these field ids. Empty means
	// every field.
	SearchableFields []uint16 `yaml:"searchableFields"`
	StopWords        []string `yaml:"stopWords"`
	// EnglishStopWords adds the built-in English list to StopWords.
	EnglishStopWords bool `yaml:"englishStopWords"`
	Stemming         bool `yaml:"stemming"`
}

// SorterConfig controls chunk encoding of the external sorter.
type SorterConfig struct {
	CompressionType  string `yaml:"compressionType"`
	CompressionLevel int    `yaml:"compressionLevel"`
	MaxChunks        int    `yaml:"maxChunks"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
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
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the indexer cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Indexer.DataDir == "" {
		errs = append(errs, errors.New("indexer.dataDir is required"))
	}
	if c.Indexer.MaxThreads <= 0 {
		errs = append(errs, fmt.Errorf("indexer.maxThreads must be positive, got %d", c.Indexer.MaxThreads))
	}
	if c.Indexer.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("indexer.batchSize must be positive, got %d", c.Indexer.BatchSize))
	}
	if c.Indexer.MaxMemory < 0 {
		errs = append(errs, fmt.Errorf("indexer.maxMemory must not be negative, got %d", c.Indexer.MaxMemory))
	}
	if c.Indexer.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("indexer.retryAttempts must be at least 1, got %d", c.Indexer.RetryAttempts))
	}
	if span := uint64(c.Extractor.AttributeSpan); span == 0 || span*(1<<16) > 1<<32 {
		errs = append(errs, fmt.Errorf("extractor.attributeSpan %d must be in [1, 65536]", span))
	}
	switch strings.ToLower(c.Sorter.CompressionType) {
	case "", "none", "snappy", "zlib", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("sorter.compressionType %q is not supported", c.Sorter.CompressionType))
	}
	if c.Sorter.MaxChunks < 0 {
		errs = append(errs, fmt.Errorf("sorter.maxChunks must not be negative, got %d", c.Sorter.MaxChunks))
	}
	return errors.Join(errs...)
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchindexer",
			User:            "searchindexer",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "search-indexer-group",
			Topics: KafkaTopics{
				DocumentBatches: "document-batches",
				BatchComplete:   "batch.complete",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 24 * time.Hour,
		},
		Indexer: IndexerConfig{
			DataDir:       "./data/indexer",
			MaxThreads:    4,
			BatchSize:     1000,
			MaxMemory:     512 << 20,
			RetryAttempts: 3,
			RetryDelay:    200 * time.Millisecond,
			MaxDocuments:  100000,
		},
		Extractor: ExtractorConfig{
			AttributeSpan: 1000,
		},
		Sorter: SorterConfig{
			CompressionType: "snappy",
			MaxChunks:       16,
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

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
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
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_INDEXER_DATA_DIR"); v != "" {
		cfg.Indexer.DataDir = v
	}
	if v := os.Getenv("SP_INDEXER_TEMP_DIR"); v != "" {
		cfg.Indexer.TempDir = v
	}
	if v := os.Getenv("SP_INDEXER_MAX_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.MaxThreads = n
		}
	}
	if v := os.Getenv("SP_INDEXER_MAX_MEMORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.MaxMemory = n
		}
	}
	if v := os.Getenv("SP_SORTER_COMPRESSION"); v != "" {
		cfg.Sorter.CompressionType = v
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
