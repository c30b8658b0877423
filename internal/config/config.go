// Package config loads the application configuration from file and
// environment. Every tunable the pipeline heuristics depend on lives here
// with a documented default, so tuning never touches algorithm code.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Logging  LoggingConfig `mapstructure:"logging"`
	Database struct {
		DSN             string `mapstructure:"dsn"`
		MaxOpenConns    int    `mapstructure:"max_open_conns"`
		MaxIdleConns    int    `mapstructure:"max_idle_conns"`
		ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
	} `mapstructure:"database"`
	Bus     BusConfig     `mapstructure:"bus"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Feeds   FeedsConfig   `mapstructure:"feeds"`
	Hub     HubConfig     `mapstructure:"hub"`
	Advisor AdvisorConfig `mapstructure:"advisor"`
	Broker  BrokerConfig  `mapstructure:"broker"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig represents logger configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// BusConfig selects the event bus backend. "memory" needs no settings;
// "redis" and "kafka" use their respective sections.
type BusConfig struct {
	Backend string `mapstructure:"backend"`
	Redis   struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		GroupID string   `mapstructure:"group_id"`
	} `mapstructure:"kafka"`
}

// JWTConfig represents subscriber token verification settings. Tokens are
// issued elsewhere; the broker only verifies them.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// VenueConfig describes a single upstream venue.
type VenueConfig struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Codec        string   `mapstructure:"codec"`
	WebsocketURL string   `mapstructure:"websocket_url"`
	RestURL      string   `mapstructure:"rest_url"`
	Symbols      []string `mapstructure:"symbols"`
}

// FeedsConfig represents the feed adapter fleet configuration
type FeedsConfig struct {
	Venues              []VenueConfig `mapstructure:"venues"`
	MaxRetries          int           `mapstructure:"max_retries"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	HealthProbeInterval time.Duration `mapstructure:"health_probe_interval"`
}

// HubConfig represents market data hub configuration
type HubConfig struct {
	PersistInterval  time.Duration `mapstructure:"persist_interval"`
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
	OrderBookDepth   int           `mapstructure:"order_book_depth"`
	ExtremeMoveRatio float64       `mapstructure:"extreme_move_ratio"`
	WideSpreadPct    float64       `mapstructure:"wide_spread_pct"`
}

// AdvisorConfig represents routing advisor configuration
type AdvisorConfig struct {
	ImpactFactor    float64 `mapstructure:"impact_factor"`
	VolumeFloor     float64 `mapstructure:"volume_floor"`
	MaxVenues       int     `mapstructure:"max_venues"`
	PrimaryFraction float64 `mapstructure:"primary_fraction"`
}

// BrokerConfig represents subscription broker configuration
type BrokerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendBufferSize    int           `mapstructure:"send_buffer_size"`
	ReadLimit         int64         `mapstructure:"read_limit"`
}

// LoadConfig reads configuration from config.yaml (optional) and the
// environment, applying defaults for everything unset.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/liquidityflow")
	v.AutomaticEnv()
	v.SetEnvPrefix("LIQUIDITYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

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
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("logging.level", "info")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.redis.address", "localhost:6379")
	v.SetDefault("bus.redis.db", 0)
	v.SetDefault("bus.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("bus.kafka.topic", "liquidityflow-events")
	v.SetDefault("bus.kafka.group_id", "liquidityflow")

	v.SetDefault("jwt.secret", "")

	v.SetDefault("feeds.max_retries", 3)
	v.SetDefault("feeds.reconnect_delay", 5*time.Second)
	v.SetDefault("feeds.poll_interval", time.Minute)
	v.SetDefault("feeds.health_probe_interval", 5*time.Minute)

	v.SetDefault("hub.persist_interval", 10*time.Second)
	v.SetDefault("hub.freshness_window", time.Minute)
	v.SetDefault("hub.order_book_depth", 20)
	v.SetDefault("hub.extreme_move_ratio", 0.1)
	v.SetDefault("hub.wide_spread_pct", 5.0)

	v.SetDefault("advisor.impact_factor", 0.1)
	v.SetDefault("advisor.volume_floor", 1_000_000)
	v.SetDefault("advisor.max_venues", 3)
	v.SetDefault("advisor.primary_fraction", 0.6)

	v.SetDefault("broker.heartbeat_interval", 30*time.Second)
	v.SetDefault("broker.write_timeout", 10*time.Second)
	v.SetDefault("broker.send_buffer_size", 256)
	v.SetDefault("broker.read_limit", 4096)
}

// DefaultVenues returns the built-in venue set used when the config file
// names none, mirroring the exchanges the collector ships with.
func DefaultVenues() []VenueConfig {
	return []VenueConfig{
		{
			ID:           "binance",
			Name:         "Binance",
			Codec:        "binance",
			WebsocketURL: "wss://stream.binance.com:9443/ws",
			RestURL:      "https://api.binance.com",
			Symbols:      []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		},
		{
			ID:           "coinbase",
			Name:         "Coinbase Pro",
			Codec:        "coinbase",
			WebsocketURL: "wss://ws-feed.exchange.coinbase.com",
			RestURL:      "https://api.exchange.coinbase.com",
			Symbols:      []string{"BTC-USD", "ETH-USD", "SOL-USD"},
		},
	}
}
