package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "config/config.yml"

	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	TransportKafka = "kafka"
	TransportRedis = "redis"
	TransportNone  = "none"
)

type Config struct {
	Bidflow BidflowConfig `yaml:"bidflow"`
	Server  ServerConfig  `yaml:"server"`
	Hub     HubConfig     `yaml:"hub"`
	AutoBid AutoBidConfig `yaml:"autobid"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type BidflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type HubConfig struct {
	ReadBufferSize  int             `yaml:"read_buffer_size"`
	WriteBufferSize int             `yaml:"write_buffer_size"`
	SendBuffer      int             `yaml:"send_buffer"`
	MaxMessageBytes int64           `yaml:"max_message_bytes"`
	WriteWait       time.Duration   `yaml:"write_wait"`
	PongWait        time.Duration   `yaml:"pong_wait"`
	PingInterval    time.Duration   `yaml:"ping_interval"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type AutoBidConfig struct {
	PacingInterval time.Duration `yaml:"pacing_interval"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxConns     int32         `yaml:"max_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type EventsConfig struct {
	Transport string      `yaml:"transport"`
	Kafka     KafkaConfig `yaml:"kafka"`
	Redis     RedisConfig `yaml:"redis"`
}

type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	LifecycleTopic string   `yaml:"lifecycle_topic"`
	GroupID        string   `yaml:"group_id"`
	BidsTopic      string   `yaml:"bids_topic"`
	AnnounceBuffer int      `yaml:"announce_buffer"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         "0.0.0.0:8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Hub: HubConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendBuffer:      64,
			MaxMessageBytes: 4096,
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			PingInterval:    50 * time.Second,
			RateLimit: RateLimitConfig{
				MessagesPerSecond: 10,
				BurstSize:         20,
			},
		},
		AutoBid: AutoBidConfig{
			PacingInterval: 1 * time.Second,
		},
		Storage: StorageConfig{
			Driver: StorageDriverPostgres,
			Postgres: PostgresConfig{
				MaxConns:     10,
				QueryTimeout: 3 * time.Second,
			},
			S3: S3Config{
				Prefix:      "bids",
				Compression: "snappy",
			},
		},
		Events: EventsConfig{
			Transport: TransportNone,
			Kafka: KafkaConfig{
				LifecycleTopic: "auction-lifecycle",
				GroupID:        "bidflow",
				BidsTopic:      "auction-bids",
				AnnounceBuffer: 1024,
			},
			Redis: RedisConfig{
				Channel: "auction-lifecycle",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		brokers := make([]string, 0)
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Events.Kafka.Brokers = brokers
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Events.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Events.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Events.Redis.DB = db
		}
	}

	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Bidflow.Name == "" {
		return fmt.Errorf("bidflow.name is required")
	}
	if cfg.Bidflow.Version == "" {
		return fmt.Errorf("bidflow.version is required")
	}

	if cfg.Hub.SendBuffer <= 0 {
		return fmt.Errorf("hub.send_buffer must be greater than 0")
	}
	if cfg.Hub.MaxMessageBytes <= 0 {
		return fmt.Errorf("hub.max_message_bytes must be greater than 0")
	}
	if cfg.Hub.PingInterval <= 0 || cfg.Hub.PongWait <= 0 {
		return fmt.Errorf("hub.ping_interval and hub.pong_wait must be greater than 0")
	}
	if cfg.Hub.PingInterval >= cfg.Hub.PongWait {
		return fmt.Errorf("hub.ping_interval must be shorter than hub.pong_wait")
	}
	if cfg.Hub.RateLimit.MessagesPerSecond < 0 || cfg.Hub.RateLimit.BurstSize < 0 {
		return fmt.Errorf("hub.rate_limit values must not be negative")
	}

	if cfg.AutoBid.PacingInterval < 0 {
		return fmt.Errorf("autobid.pacing_interval must not be negative")
	}

	switch cfg.Storage.Driver {
	case StorageDriverPostgres:
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	case StorageDriverMemory:
		if IsProductionLike(AppEnvironment()) {
			return fmt.Errorf("storage.driver %q is not allowed in %s", StorageDriverMemory, AppEnvironment())
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}

	switch cfg.Events.Transport {
	case TransportKafka:
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required for the kafka transport")
		}
		if cfg.Events.Kafka.LifecycleTopic == "" {
			return fmt.Errorf("events.kafka.lifecycle_topic is required for the kafka transport")
		}
	case TransportRedis:
		if cfg.Events.Redis.Addr == "" {
			return fmt.Errorf("events.redis.addr is required for the redis transport")
		}
		if cfg.Events.Redis.Channel == "" {
			return fmt.Errorf("events.redis.channel is required for the redis transport")
		}
	case TransportNone, "":
	default:
		return fmt.Errorf("events.transport %q is not supported", cfg.Events.Transport)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
