package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
)

// Config holds all application configuration.
type Config struct {
	Env   string `mapstructure:"env"`
	IDEX  IDEXConfig
	Sync  SyncConfig
	Redis RedisConfig
	Kafka KafkaConfig
	HTTP  HTTPConfig
	GRPC  GRPCConfig
	Log   LogConfig
	AWS   AWSConfig
}

// IDEXConfig holds venue endpoints, credentials and the market list.
// RESTURL and WebSocketURL are resolved from Sandbox and Chain unless
// overridden.
type IDEXConfig struct {
	Sandbox          bool          `mapstructure:"sandbox"`
	Chain            string        `mapstructure:"chain"`
	RESTURL          string        `mapstructure:"rest_url"`
	WebSocketURL     string        `mapstructure:"websocket_url"`
	APIKey           string        `mapstructure:"api_key"`
	APIKeyCiphertext string        `mapstructure:"api_key_ciphertext"`
	Markets          []string      `mapstructure:"markets"`
	FeeOverride      FeeOverride   `mapstructure:"fee_override"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// FeeOverride replaces the exchange fee schedule when every field is set.
type FeeOverride struct {
	TakerIdexFeeRate              string `mapstructure:"taker_idex_fee_rate"`
	TakerLiquidityProviderFeeRate string `mapstructure:"taker_liquidity_provider_fee_rate"`
	TakerTradeMinimum             string `mapstructure:"taker_trade_minimum"`
}

// Set reports whether the override is complete.
func (f FeeOverride) Set() bool {
	return f.TakerIdexFeeRate != "" && f.TakerLiquidityProviderFeeRate != "" && f.TakerTradeMinimum != ""
}

// SyncConfig tunes the WebSocket transport and book synchronization.
type SyncConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	StaleThreshold   time.Duration `mapstructure:"stale_threshold"`
	CoolOff          time.Duration `mapstructure:"cool_off"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the event topic. No brokers disables publishing.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// HTTPConfig serves the query API. Admin mounts the halt, resume and
// mark-stale routes.
type HTTPConfig struct {
	Addr  string `mapstructure:"addr"`
	Admin bool   `mapstructure:"admin"`
}

// GRPCConfig serves health over SocketPath when set, else over Addr.
type GRPCConfig struct {
	Addr       string `mapstructure:"addr"`
	SocketPath string `mapstructure:"socket_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// AWSConfig is used to decrypt the API key ciphertext.
type AWSConfig struct {
	Region             string `mapstructure:"region"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
}

// Load reads configuration from an optional file named by
// IDEXBOOK_CONFIG_FILE, then from environment variables prefixed with
// IDEXBOOK_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IDEXBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// IDEX defaults
	v.SetDefault("idex.sandbox", false)
	v.SetDefault("idex.chain", idex.ChainMatic)
	v.SetDefault("idex.rest_url", "")
	v.SetDefault("idex.websocket_url", "")
	v.SetDefault("idex.api_key", "")
	v.SetDefault("idex.api_key_ciphertext", "")
	v.SetDefault("idex.markets", "")
	v.SetDefault("idex.fee_override.taker_idex_fee_rate", "")
	v.SetDefault("idex.fee_override.taker_liquidity_provider_fee_rate", "")
	v.SetDefault("idex.fee_override.taker_trade_minimum", "")
	v.SetDefault("idex.request_timeout", 10*time.Second)

	// Sync defaults
	v.SetDefault("sync.heartbeat_timeout", 30*time.Second)
	v.SetDefault("sync.backoff_initial", time.Second)
	v.SetDefault("sync.backoff_max", 30*time.Second)
	v.SetDefault("sync.retry_base", time.Second)
	v.SetDefault("sync.retry_max_attempts", 0)
	v.SetDefault("sync.event_buffer", 1024)
	v.SetDefault("sync.stale_threshold", 0)
	v.SetDefault("sync.cool_off", 0)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Kafka defaults
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "idexbook.events")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.admin", false)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.socket_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.localstack_endpoint", "")

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.IDEX = IDEXConfig{
		Sandbox:          v.GetBool("idex.sandbox"),
		Chain:            v.GetString("idex.chain"),
		APIKey:           v.GetString("idex.api_key"),
		APIKeyCiphertext: v.GetString("idex.api_key_ciphertext"),
		Markets:          splitList(v.GetString("idex.markets")),
		FeeOverride: FeeOverride{
			TakerIdexFeeRate:              v.GetString("idex.fee_override.taker_idex_fee_rate"),
			TakerLiquidityProviderFeeRate: v.GetString("idex.fee_override.taker_liquidity_provider_fee_rate"),
			TakerTradeMinimum:             v.GetString("idex.fee_override.taker_trade_minimum"),
		},
		RequestTimeout: v.GetDuration("idex.request_timeout"),
	}
	rest, ws, err := idex.BaseURLs(cfg.IDEX.Sandbox, cfg.IDEX.Chain, v.GetString("idex.rest_url"), v.GetString("idex.websocket_url"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.IDEX.RESTURL, cfg.IDEX.WebSocketURL = rest, ws

	cfg.Sync = SyncConfig{
		HeartbeatTimeout: v.GetDuration("sync.heartbeat_timeout"),
		BackoffInitial:   v.GetDuration("sync.backoff_initial"),
		BackoffMax:       v.GetDuration("sync.backoff_max"),
		RetryBase:        v.GetDuration("sync.retry_base"),
		RetryMaxAttempts: v.GetInt("sync.retry_max_attempts"),
		EventBuffer:      v.GetInt("sync.event_buffer"),
		StaleThreshold:   v.GetDuration("sync.stale_threshold"),
		CoolOff:          v.GetDuration("sync.cool_off"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Kafka = KafkaConfig{
		Brokers: splitList(v.GetString("kafka.brokers")),
		Topic:   v.GetString("kafka.topic"),
	}

	cfg.HTTP = HTTPConfig{
		Addr:  v.GetString("http.addr"),
		Admin: v.GetBool("http.admin"),
	}
	cfg.GRPC = GRPCConfig{
		Addr:       v.GetString("grpc.addr"),
		SocketPath: v.GetString("grpc.socket_path"),
	}
	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Pretty: v.GetBool("log.pretty"),
	}
	cfg.AWS = AWSConfig{
		Region:             v.GetString("aws.region"),
		LocalStackEndpoint: v.GetString("aws.localstack_endpoint"),
	}

	return cfg, nil
}

// splitList parses a comma separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
