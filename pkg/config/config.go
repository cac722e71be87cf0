package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Bus drivers
const (
	DriverAMQP  = "amqp"
	DriverKafka = "kafka"
)

// Config holds application configuration values.
// It is built once at startup and only read afterwards.
type Config struct {
	Port           string        `toml:"port"`
	LogLevel       string        `toml:"log_level"`       // e.g., "debug", "info", "warn", "error"
	RequestTimeout time.Duration `toml:"request_timeout"` // Duration string, e.g. "15s"
	CertFile       string        `toml:"cert_file"`       // HTTPS is served when both are set
	KeyFile        string        `toml:"key_file"`

	ResultsDB ResultsDBConfig `toml:"resultsdb"`
	Bus       BusConfig       `toml:"bus"`
	Routes    RoutesConfig    `toml:"routes"`
	Storage   StorageConfig   `toml:"storage"`
}

// ResultsDBConfig describes how to reach the results service.
type ResultsDBConfig struct {
	APIURL   string        `toml:"api_url"`  // e.g., https://resultsdb.example.com/api/v2.0
	CAFile   string        `toml:"api_ca"`   // PEM bundle used to verify the service certificate
	Insecure bool          `toml:"insecure"` // Skip certificate verification entirely
	Timeout  time.Duration `toml:"timeout"`  // Per attempt, retries are on top of this
}

// BusConfig selects and configures the message bus the updater listens on.
type BusConfig struct {
	Driver        string   `toml:"driver"` // "amqp" or "kafka"
	RabbitMQ_URL  string   `toml:"rabbitmq_url"`
	Exchange      string   `toml:"exchange"`
	Queue         string   `toml:"queue"`
	BindingKeys   []string `toml:"binding_keys"`
	KafkaBrokers  []string `toml:"kafka_brokers"`
	KafkaTopics   []string `toml:"kafka_topics"`
	KafkaGroup    string   `toml:"kafka_group"`
	Workers       int      `toml:"workers"`
	RequeueFailed bool     `toml:"requeue_failed"` // Requeue messages whose submissions failed (never malformed ones)
}

// RoutesConfig maps topic suffixes to message schemas.
type RoutesConfig struct {
	CIMetricsTopics []string `toml:"ci_metrics_topics"`
	CIPSTopics      []string `toml:"cips_topics"`
	ResultsTopics   []string `toml:"results_topics"`
}

// StorageConfig configures the optional processing journal and failure archive.
// Leaving Postgres_DSN empty disables both.
type StorageConfig struct {
	Postgres_DSN     string `toml:"postgres_dsn"`
	MinIO_Endpoint   string `toml:"minio_endpoint"`
	MinIO_AccessKey  string `toml:"minio_access_key"`
	MinIO_SecretKey  string `toml:"minio_secret_key"`
	MinIO_UseSSL     bool   `toml:"minio_use_ssl"`
	MinIO_BucketName string `toml:"minio_bucket_name"`
}

// Defaults returns the configuration used when neither a file nor the environment says otherwise.
func Defaults() *Config {
	return &Config{
		Port:           "8080",
		LogLevel:       "info",
		RequestTimeout: 15 * time.Second,
		ResultsDB: ResultsDBConfig{
			Timeout: 30 * time.Second,
		},
		Bus: BusConfig{
			Driver:       DriverAMQP,
			RabbitMQ_URL: "amqp://localhost:5672/",
			Exchange:     "amq.topic",
			Queue:        "resultsdb-updater",
			BindingKeys:  []string{"#.ci.metrics", "#.ci.cips", "#.ci.resultsdb"},
			KafkaGroup:   "resultsdb-updater",
			Workers:      4,
		},
		Routes: RoutesConfig{
			CIMetricsTopics: []string{".ci.metrics"},
			CIPSTopics:      []string{".ci.cips"},
			ResultsTopics:   []string{".ci.resultsdb"},
		},
		Storage: StorageConfig{
			MinIO_Endpoint:   "localhost:9000",
			MinIO_BucketName: "resultsdb-updater-failed",
		},
	}
}

// Load builds the configuration: defaults, then the optional TOML file at
// path, then environment variables, which always win.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBus is Load for tools that only talk to the bus: the ResultsDB
// settings are neither required nor checked.
func LoadBus(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Bus.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.ResultsDB.APIURL == "" {
		return fmt.Errorf("RESULTSDB_API_URL is required")
	}
	c.ResultsDB.APIURL = strings.TrimRight(c.ResultsDB.APIURL, "/")
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.ResultsDB.Timeout <= 0 {
		return fmt.Errorf("ResultsDB timeout must be positive, got %v", c.ResultsDB.Timeout)
	}
	return c.Bus.validate()
}

func (c *BusConfig) validate() error {
	switch c.Driver {
	case DriverAMQP:
		if c.RabbitMQ_URL == "" {
			return fmt.Errorf("RABBITMQ_URL is required for the %q bus driver", DriverAMQP)
		}
	case DriverKafka:
		if len(c.KafkaBrokers) == 0 || len(c.KafkaTopics) == 0 {
			return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPICS are required for the %q bus driver", DriverKafka)
		}
	default:
		return fmt.Errorf("unknown bus driver %q", c.Driver)
	}

	if c.Workers < 1 {
		c.Workers = 1
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getenv("PORT", cfg.Port)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.RequestTimeout = getenvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.CertFile = getenv("CERT_FILE", cfg.CertFile)
	cfg.KeyFile = getenv("KEY_FILE", cfg.KeyFile)

	cfg.ResultsDB.APIURL = getenv("RESULTSDB_API_URL", cfg.ResultsDB.APIURL)
	cfg.ResultsDB.CAFile = getenv("RESULTSDB_API_CA", cfg.ResultsDB.CAFile)
	cfg.ResultsDB.Insecure = getenvBool("RESULTSDB_API_INSECURE", cfg.ResultsDB.Insecure)
	cfg.ResultsDB.Timeout = getenvDuration("RESULTSDB_TIMEOUT", cfg.ResultsDB.Timeout)

	cfg.Bus.Driver = getenv("BUS_DRIVER", cfg.Bus.Driver)
	cfg.Bus.RabbitMQ_URL = getenv("RABBITMQ_URL", cfg.Bus.RabbitMQ_URL)
	cfg.Bus.Exchange = getenv("RABBITMQ_EXCHANGE", cfg.Bus.Exchange)
	cfg.Bus.Queue = getenv("RABBITMQ_QUEUE", cfg.Bus.Queue)
	cfg.Bus.BindingKeys = getenvStringSlice("RABBITMQ_BINDING_KEYS", cfg.Bus.BindingKeys)
	cfg.Bus.KafkaBrokers = getenvStringSlice("KAFKA_BROKERS", cfg.Bus.KafkaBrokers)
	cfg.Bus.KafkaTopics = getenvStringSlice("KAFKA_TOPICS", cfg.Bus.KafkaTopics)
	cfg.Bus.KafkaGroup = getenv("KAFKA_GROUP", cfg.Bus.KafkaGroup)
	cfg.Bus.Workers = getenvInt("WORKERS", cfg.Bus.Workers)
	cfg.Bus.RequeueFailed = getenvBool("REQUEUE_FAILED", cfg.Bus.RequeueFailed)

	cfg.Routes.CIMetricsTopics = getenvStringSlice("ROUTE_CI_METRICS_TOPICS", cfg.Routes.CIMetricsTopics)
	cfg.Routes.CIPSTopics = getenvStringSlice("ROUTE_CIPS_TOPICS", cfg.Routes.CIPSTopics)
	cfg.Routes.ResultsTopics = getenvStringSlice("ROUTE_RESULTS_TOPICS", cfg.Routes.ResultsTopics)

	cfg.Storage.Postgres_DSN = getenv("POSTGRES_DSN", cfg.Storage.Postgres_DSN)
	cfg.Storage.MinIO_Endpoint = getenv("MINIO_ENDPOINT", cfg.Storage.MinIO_Endpoint)
	cfg.Storage.MinIO_AccessKey = getenv("MINIO_ACCESS_KEY", cfg.Storage.MinIO_AccessKey)
	cfg.Storage.MinIO_SecretKey = getenv("MINIO_SECRET_KEY", cfg.Storage.MinIO_SecretKey)
	cfg.Storage.MinIO_UseSSL = getenvBool("MINIO_USE_SSL", cfg.Storage.MinIO_UseSSL)
	cfg.Storage.MinIO_BucketName = getenv("MINIO_BUCKET_NAME", cfg.Storage.MinIO_BucketName)
}

func getenv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(valueStr)
		if err == nil {
			return value
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.Atoi(valueStr)
		if err == nil {
			return value
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := time.ParseDuration(valueStr)
		if err == nil {
			return value
		}
	}
	return fallback
}

// getenvStringSlice splits a comma separated variable, dropping empty items.
func getenvStringSlice(key string, fallback []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
