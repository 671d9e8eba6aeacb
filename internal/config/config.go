package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Keys       KeysConfig       `mapstructure:"keys"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Listener   ListenerConfig   `mapstructure:"listener"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ChannelConfig selects the message channel between the outbox writer and the dispatcher.
type ChannelConfig struct {
	Driver string `mapstructure:"driver"` // kafka | rabbitmq
	Topic  string `mapstructure:"topic"`  // kafka topic or rabbitmq queue name
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	WriteTimeoutMs int      `mapstructure:"write_timeout_ms"`
}

type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

type LedgerConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	WSURL           string        `mapstructure:"ws_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	ChainID         int64         `mapstructure:"chain_id"`
	AdminKey        string        `mapstructure:"admin_key"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	GasPrice        int64         `mapstructure:"gas_price"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	FromBlock       uint64        `mapstructure:"from_block"`
}

type KeysConfig struct {
	Password string `mapstructure:"password"`
	Salt     string `mapstructure:"salt"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type DispatcherConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	SettleTimeout  time.Duration `mapstructure:"settle_timeout"`
	LockExpiry     time.Duration `mapstructure:"lock_expiry"`
	LockTries      int           `mapstructure:"lock_tries"`
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type ListenerConfig struct {
	Backfill       bool          `mapstructure:"backfill"`
	RetryInitial   time.Duration `mapstructure:"retry_initial"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
	ArchiveEnabled bool          `mapstructure:"archive_enabled"`
}

type ReaperConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	StuckAfter  time.Duration `mapstructure:"stuck_after"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// RateLimitConfig is a fixed one second window per user.
type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (TEATRACE_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (TEATRACE_*), nested keys use underscores: TEATRACE_LEDGER_RPC_URL
	v.SetEnvPrefix("TEATRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
