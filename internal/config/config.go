package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all pipeline configuration (§6 Configuration envelope).
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// BrokerConfig configures the Broker WS Client (C1, §4.1/§6).
type BrokerConfig struct {
	WSURL               string `mapstructure:"ws_url"`
	AppID               string `mapstructure:"app_id"`
	HeartbeatIntervalMS int    `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `mapstructure:"heartbeat_timeout_ms"`
	ReconnectBaseMS     int    `mapstructure:"reconnect_base_ms"`
	ReconnectMaxMS      int    `mapstructure:"reconnect_max_ms"`
	CircuitWindowMS     int    `mapstructure:"circuit_window_ms"`
	CircuitThreshold    int    `mapstructure:"circuit_threshold"`
	RequestTimeoutMS    int    `mapstructure:"request_timeout_ms"`
	ConnectTimeoutMS    int    `mapstructure:"connect_timeout_ms"`
}

func (c BrokerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}
func (c BrokerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}
func (c BrokerConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}
func (c BrokerConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}
func (c BrokerConfig) CircuitWindow() time.Duration {
	return time.Duration(c.CircuitWindowMS) * time.Millisecond
}
func (c BrokerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}
func (c BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// MarketDataConfig configures the Market Data Pipeline (C2, §4.2/§6).
type MarketDataConfig struct {
	TickQueueCapacity int `mapstructure:"tick_queue_capacity"`
	TickOverflowDrop  int `mapstructure:"tick_overflow_drop"`
	BatchIntervalMS   int `mapstructure:"batch_interval_ms"`
}

func (c MarketDataConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMS) * time.Millisecond
}

// ExecutionConfig configures the Execution Core (C5, §4.5/§6).
type ExecutionConfig struct {
	IdempotencyTTLSeconds int           `mapstructure:"idempotency_ttl_s"`
	DefaultStake          StakeConfig   `mapstructure:"default_stake"`
	DefaultDuration       DurationParam `mapstructure:"default_duration"`
	SettlementTimeoutMS   int           `mapstructure:"settlement_timeout_ms"`
}

func (c ExecutionConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}
func (c ExecutionConfig) SettlementTimeout() time.Duration {
	return time.Duration(c.SettlementTimeoutMS) * time.Millisecond
}

type StakeConfig struct {
	Base            float64 `mapstructure:"base"`
	Min             float64 `mapstructure:"min"`
	Max             float64 `mapstructure:"max"`
	ConfidenceMult  bool    `mapstructure:"confidence_mult"`
}

type DurationParam struct {
	Value int    `mapstructure:"value"`
	Unit  string `mapstructure:"unit"`
}

// RiskConfig configures Risk Guard (C4, §4.4/§6).
type RiskConfig struct {
	Profiles map[string]ProfileConfig `mapstructure:"profiles"`
}

type ProfileConfig struct {
	StakeMultiplier float64 `mapstructure:"stake_mult"`
	MinConfidence   float64 `mapstructure:"min_conf"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL             string `mapstructure:"url"`
	EnableJetStream bool   `mapstructure:"enable_jetstream"`
	Subject         string `mapstructure:"subject"`
}

// VaultConfig configures the external credential source (§6).
type VaultConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
}

type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables, applying
// defaults and fatal validation (§7: missing mandatory config refuses to
// start).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PULSECORE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pulsecore")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("broker.ws_url", "wss://broker.example.com/websockets/v3")
	v.SetDefault("broker.heartbeat_interval_ms", 10_000)
	v.SetDefault("broker.heartbeat_timeout_ms", 15_000)
	v.SetDefault("broker.reconnect_base_ms", 1_000)
	v.SetDefault("broker.reconnect_max_ms", 30_000)
	v.SetDefault("broker.circuit_window_ms", 30_000)
	v.SetDefault("broker.circuit_threshold", 5)
	v.SetDefault("broker.request_timeout_ms", 10_000)
	v.SetDefault("broker.connect_timeout_ms", 5_000)

	v.SetDefault("market_data.tick_queue_capacity", 100)
	v.SetDefault("market_data.tick_overflow_drop", 10)
	v.SetDefault("market_data.batch_interval_ms", 50)

	v.SetDefault("execution.idempotency_ttl_s", 3600)
	v.SetDefault("execution.settlement_timeout_ms", 5*60*1000)
	v.SetDefault("execution.default_stake.base", 10.0)
	v.SetDefault("execution.default_stake.min", 1.0)
	v.SetDefault("execution.default_stake.max", 100.0)
	v.SetDefault("execution.default_stake.confidence_mult", true)
	v.SetDefault("execution.default_duration.value", 3)
	v.SetDefault("execution.default_duration.unit", "m")

	v.SetDefault("risk.profiles.LOW.stake_mult", 0.5)
	v.SetDefault("risk.profiles.LOW.min_conf", 0.8)
	v.SetDefault("risk.profiles.MEDIUM.stake_mult", 1.0)
	v.SetDefault("risk.profiles.MEDIUM.min_conf", 0.65)
	v.SetDefault("risk.profiles.HIGH.stake_mult", 1.5)
	v.SetDefault("risk.profiles.HIGH.min_conf", 0.5)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "pulsecore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enable_jetstream", false)
	v.SetDefault("nats.subject", "pulsecore.events")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount_path", "secret/data/pulsecore")

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}
