package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/storeroute/storeroute/pkg/errors"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "STOREROUTE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Instance   InstanceConfig   `yaml:"instance"`
	Repository RepositoryConfig `yaml:"repository"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Ledger     LedgerConfig     `yaml:"ledger"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// InstanceConfig is the routing context handed to every provider factory.
type InstanceConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// RepositoryConfig selects and tunes the account repository.
type RepositoryConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// ProvidersConfig holds settings shared by every provider client.
type ProvidersConfig struct {
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	S3             S3Config             `yaml:"s3"`
	Swift          SwiftConfig          `yaml:"swift"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// S3Config configures the S3-compatible provider clients.
type S3Config struct {
	Region       string          `yaml:"region"`
	Endpoint     string          `yaml:"endpoint"`
	UsePathStyle bool            `yaml:"use_path_style"`
	Cargoship    CargoshipConfig `yaml:"cargoship"`
}

// CargoshipConfig configures optimized uploads through cargoship.
type CargoshipConfig struct {
	Enabled            bool  `yaml:"enabled"`
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size"`
	Concurrency        int   `yaml:"concurrency"`
}

// SwiftConfig configures the OpenStack Swift (Rackspace) client.
type SwiftConfig struct {
	AuthURL string `yaml:"auth_url"`
	Region  string `yaml:"region"`
}

// QueueConfig represents task queue settings
type QueueConfig struct {
	Driver            string        `yaml:"driver"`
	Brokers           []string      `yaml:"brokers"`
	Topic             string        `yaml:"topic"`
	RetryTopic        string        `yaml:"retry_topic"`
	DeadLetterTopic   string        `yaml:"dead_letter_topic"`
	ConsumerGroup     string        `yaml:"consumer_group"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RedeliveryDelay   time.Duration `yaml:"redelivery_delay"`
	MaxRedelivery     time.Duration `yaml:"max_redelivery_delay"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
}

// WorkerConfig represents worker pool settings
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// BridgeConfig represents settings for calls to the snapshot bridge
type BridgeConfig struct {
	Scheme         string               `yaml:"scheme"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// LedgerConfig selects where task attempt and lifecycle records live.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "json",
			MetricsPort: 9102,
		},
		Instance: InstanceConfig{
			Host: "localhost",
			Port: "443",
		},
		Repository: RepositoryConfig{
			Driver:       "memory",
			QueryTimeout: 5 * time.Second,
			MaxOpenConns: 10,
		},
		Providers: ProvidersConfig{
			RequestTimeout: 30 * time.Second,
			S3: S3Config{
				Region: "us-east-1",
				Cargoship: CargoshipConfig{
					Enabled:            true,
					MultipartThreshold: 32 * 1024 * 1024,
					MultipartChunkSize: 16 * 1024 * 1024,
					Concurrency:        8,
				},
			},
			Swift: SwiftConfig{
				AuthURL: "https://identity.api.rackspacecloud.com/v2.0",
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Queue: QueueConfig{
			Driver:            "memory",
			Topic:             "storeroute.tasks",
			RetryTopic:        "storeroute.tasks.retry",
			DeadLetterTopic:   "storeroute.tasks.dlq",
			ConsumerGroup:     "storeroute-workers",
			MaxAttempts:       5,
			RedeliveryDelay:   2 * time.Second,
			MaxRedelivery:     2 * time.Minute,
			VisibilityTimeout: 5 * time.Minute,
			PublishTimeout:    10 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			TaskTimeout: 10 * time.Minute,
		},
		Bridge: BridgeConfig{
			Scheme:         "https",
			RequestTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Ledger: LedgerConfig{
			Driver: "memory",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := getenv("LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := getenv("LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := getenv("LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := getenv("METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Instance routing context
	if val := getenv("INSTANCE_HOST"); val != "" {
		c.Instance.Host = val
	}
	if val := getenv("INSTANCE_PORT"); val != "" {
		c.Instance.Port = val
	}

	// Repository settings
	if val := getenv("REPOSITORY_DRIVER"); val != "" {
		c.Repository.Driver = val
	}
	if val := getenv("REPOSITORY_DSN"); val != "" {
		c.Repository.DSN = val
	}
	if val := getenv("REPOSITORY_QUERY_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Repository.QueryTimeout = duration
		}
	}

	// Provider settings
	if val := getenv("S3_REGION"); val != "" {
		c.Providers.S3.Region = val
	}
	if val := getenv("S3_ENDPOINT"); val != "" {
		c.Providers.S3.Endpoint = val
	}
	if val := getenv("S3_USE_PATH_STYLE"); val != "" {
		c.Providers.S3.UsePathStyle = strings.ToLower(val) == "true"
	}
	if val := getenv("SWIFT_AUTH_URL"); val != "" {
		c.Providers.Swift.AuthURL = val
	}

	// Queue settings
	if val := getenv("QUEUE_DRIVER"); val != "" {
		c.Queue.Driver = val
	}
	if val := getenv("QUEUE_BROKERS"); val != "" {
		c.Queue.Brokers = strings.Split(val, ",")
	}
	if val := getenv("QUEUE_TOPIC"); val != "" {
		c.Queue.Topic = val
	}
	if val := getenv("QUEUE_RETRY_TOPIC"); val != "" {
		c.Queue.RetryTopic = val
	}
	if val := getenv("QUEUE_MAX_ATTEMPTS"); val != "" {
		if attempts, err := strconv.Atoi(val); err == nil {
			c.Queue.MaxAttempts = attempts
		}
	}

	// Worker settings
	if val := getenv("WORKER_CONCURRENCY"); val != "" {
		if concurrency, err := strconv.Atoi(val); err == nil {
			c.Worker.Concurrency = concurrency
		}
	}

	// Ledger settings
	if val := getenv("LEDGER_DRIVER"); val != "" {
		c.Ledger.Driver = val
	}
	if val := getenv("LEDGER_DSN"); val != "" {
		c.Ledger.DSN = val
	}

	return nil
}

func getenv(name string) string {
	return os.Getenv(EnvPrefix + name)
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
	}

	if !oneOf(c.Global.LogLevel, "DEBUG", "INFO", "WARN", "ERROR") {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if !oneOf(c.Global.LogFormat, "json", "console") {
		return invalid("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}
	if c.Instance.Host == "" {
		return invalid("instance.host is required")
	}

	if !oneOf(c.Repository.Driver, "postgres", "memory") {
		return invalid("invalid repository.driver: %s", c.Repository.Driver)
	}
	if c.Repository.Driver == "postgres" && c.Repository.DSN == "" {
		return invalid("repository.dsn is required for the postgres driver")
	}
	if c.Repository.QueryTimeout <= 0 {
		return invalid("repository.query_timeout must be greater than 0")
	}

	if c.Providers.RequestTimeout <= 0 {
		return invalid("providers.request_timeout must be greater than 0")
	}

	if !oneOf(c.Queue.Driver, "kafka", "memory") {
		return invalid("invalid queue.driver: %s", c.Queue.Driver)
	}
	if c.Queue.Driver == "kafka" && len(c.Queue.Brokers) == 0 {
		return invalid("queue.brokers is required for the kafka driver")
	}
	if c.Queue.Topic == "" || c.Queue.DeadLetterTopic == "" {
		return invalid("queue.topic and queue.dead_letter_topic are required")
	}
	if c.Queue.Topic == c.Queue.DeadLetterTopic {
		return invalid("queue.topic and queue.dead_letter_topic cannot be the same")
	}
	if c.Queue.Driver == "kafka" {
		switch c.Queue.RetryTopic {
		case "":
			return invalid("queue.retry_topic is required for the kafka driver")
		case c.Queue.Topic, c.Queue.DeadLetterTopic:
			return invalid("queue.retry_topic must differ from queue.topic and queue.dead_letter_topic")
		}
	}
	if c.Queue.MaxAttempts <= 0 {
		return invalid("queue.max_attempts must be greater than 0")
	}

	if c.Worker.Concurrency <= 0 {
		return invalid("worker.concurrency must be greater than 0")
	}
	if c.Worker.TaskTimeout <= 0 {
		return invalid("worker.task_timeout must be greater than 0")
	}

	if !oneOf(c.Bridge.Scheme, "http", "https") {
		return invalid("invalid bridge.scheme: %s", c.Bridge.Scheme)
	}

	if !oneOf(c.Ledger.Driver, "postgres", "memory") {
		return invalid("invalid ledger.driver: %s", c.Ledger.Driver)
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" && c.Repository.DSN == "" {
		return invalid("ledger.dsn is required for the postgres driver")
	}

	return nil
}

func oneOf(val string, allowed ...string) bool {
	for _, a := range allowed {
		if val == a {
			return true
		}
	}
	return false
}
