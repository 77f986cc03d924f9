package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port string `yaml:"port" validate:"required,numeric"`
	Env  string `yaml:"env" validate:"oneof=development staging production test"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=postgres bolt"`
	Source   string `yaml:"source"`
	BoltPath string `yaml:"bolt_path"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0,lte=200"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type GatewayConfig struct {
	Mode           string        `yaml:"mode" validate:"oneof=sandbox http"`
	BaseURL        string        `yaml:"base_url"`
	SecretKey      string        `yaml:"secret_key"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	StatusCacheTTL time.Duration `yaml:"status_cache_ttl" validate:"gte=0"`
}

type DepositConfig struct {
	ExpiryDays int `yaml:"expiry_days" validate:"gte=1,lte=90"`
}

type PollingConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=200"`
}

type RepaymentConfig struct {
	PartialPolicy string `yaml:"partial_policy" validate:"oneof=accept reject"`
}

type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval" validate:"gt=0"`
	LeaseTTL  time.Duration `yaml:"lease_ttl" validate:"gt=0"`
	BatchSize int           `yaml:"batch_size" validate:"gte=1"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TracingConfig struct {
	CollectorURL string `yaml:"collector_url"`
	ServiceName  string `yaml:"service_name"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Deposit   DepositConfig   `yaml:"deposit"`
	Polling   PollingConfig   `yaml:"polling"`
	Repayment RepaymentConfig `yaml:"repayment"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Logging   LogConfig       `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// DepositHorizon is how long a deposit request may stay PENDING.
func (c *Config) DepositHorizon() time.Duration {
	return time.Duration(c.Deposit.ExpiryDays) * 24 * time.Hour
}

var validate = validator.New()

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8080", Env: "development"},
		Database:  DatabaseConfig{Driver: "postgres", BoltPath: "ledger.db", MaxConns: 20},
		Kafka:     KafkaConfig{Topic: "ledger.events"},
		Gateway:   GatewayConfig{Mode: "sandbox", Timeout: 10 * time.Second, StatusCacheTTL: 2 * time.Second},
		Deposit:   DepositConfig{ExpiryDays: 7},
		Polling:   PollingConfig{Interval: 3 * time.Second, MaxAttempts: 30},
		Repayment: RepaymentConfig{PartialPolicy: "accept"},
		Sweeper:   SweeperConfig{Interval: time.Minute, LeaseTTL: 50 * time.Second, BatchSize: 100},
		Logging:   LogConfig{Level: "info"},
		Tracing:   TracingConfig{ServiceName: "ledgercore"},
	}
}

// Load reads .env (if present), the YAML file named by CONFIG_PATH and then
// environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFromFile(GetEnvOrDefaultAsString("CONFIG_PATH", "configs/config.yaml"))
}

// LoadFromFile parses the YAML file at path on top of Default. A missing file is
// not an error: env overrides alone are enough to run.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304: path comes from operator configuration
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = GetEnvOrDefaultAsString("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Env = GetEnvOrDefaultAsString("ENVIRONMENT", cfg.Server.Env)

	cfg.Database.Driver = GetEnvOrDefaultAsString("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.Source = GetEnvOrDefaultAsString("DB_SOURCE", cfg.Database.Source)
	cfg.Database.BoltPath = GetEnvOrDefaultAsString("DB_BOLT_PATH", cfg.Database.BoltPath)
	cfg.Database.MaxConns = int32(GetEnvOrDefaultAsInt("DB_MAX_CONNS", int(cfg.Database.MaxConns)))

	cfg.Redis.Enabled = GetEnvOrDefaultAsBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = GetEnvOrDefaultAsString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnvOrDefaultAsString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = GetEnvOrDefaultAsInt("REDIS_DB", cfg.Redis.DB)

	cfg.Kafka.Enabled = GetEnvOrDefaultAsBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	if brokers := GetEnvOrDefaultAsString("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.Topic = GetEnvOrDefaultAsString("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Gateway.Mode = GetEnvOrDefaultAsString("GATEWAY_MODE", cfg.Gateway.Mode)
	cfg.Gateway.BaseURL = GetEnvOrDefaultAsString("GATEWAY_BASE_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.SecretKey = GetEnvOrDefaultAsString("GATEWAY_SECRET_KEY", cfg.Gateway.SecretKey)
	cfg.Gateway.Timeout = GetEnvOrDefaultAsDuration("GATEWAY_TIMEOUT", cfg.Gateway.Timeout)

	cfg.Deposit.ExpiryDays = GetEnvOrDefaultAsInt("DEPOSIT_EXPIRY_DAYS", cfg.Deposit.ExpiryDays)
	cfg.Polling.Interval = GetEnvOrDefaultAsDuration("POLLING_INTERVAL", cfg.Polling.Interval)
	cfg.Polling.MaxAttempts = GetEnvOrDefaultAsInt("POLLING_MAX_ATTEMPTS", cfg.Polling.MaxAttempts)
	cfg.Repayment.PartialPolicy = GetEnvOrDefaultAsString("REPAYMENT_PARTIAL_POLICY", cfg.Repayment.PartialPolicy)
	cfg.Sweeper.Interval = GetEnvOrDefaultAsDuration("SWEEPER_INTERVAL", cfg.Sweeper.Interval)

	cfg.Logging.Level = GetEnvOrDefaultAsString("LOGGING_LEVEL", cfg.Logging.Level)
	cfg.Tracing.CollectorURL = GetEnvOrDefaultAsString("OTEL_COLLECTOR_URL", cfg.Tracing.CollectorURL)
}

// Validate checks struct tags and the rules that span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.Source == "" {
		return fmt.Errorf("database.source (DB_SOURCE) is required for the postgres driver")
	}
	if cfg.Database.Driver == "bolt" && cfg.Database.BoltPath == "" {
		return fmt.Errorf("database.bolt_path is required for the bolt driver")
	}
	if cfg.Gateway.Mode == "http" && cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required in http mode")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if cfg.Sweeper.LeaseTTL > cfg.Sweeper.Interval {
		return fmt.Errorf("sweeper.lease_ttl (%v) must not exceed sweeper.interval (%v)",
			cfg.Sweeper.LeaseTTL, cfg.Sweeper.Interval)
	}
	return nil
}

// GetEnvOrDefaultAsString returns the env value or defaultVal when unset or empty.
func GetEnvOrDefaultAsString(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists && val != "" {
		return val
	}
	return defaultVal
}

// GetEnvOrDefaultAsInt returns the env value as an int, or defaultValue if unset or invalid.
func GetEnvOrDefaultAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
