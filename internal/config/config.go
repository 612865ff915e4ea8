package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level configuration for Groupcore.
type Config struct {
	Server    ServerConfig   `koanf:"server"`
	Database  DatabaseConfig `koanf:"database"`
	Redis     RedisConfig    `koanf:"redis"`
	Kafka     KafkaConfig    `koanf:"kafka"`
	Inventory UpstreamConfig `koanf:"inventory"`
	Search    UpstreamConfig `koanf:"search"`
	Buffer    BufferConfig   `koanf:"buffer"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // "debug" or "release"
}

// DatabaseConfig holds the database connection settings.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// RedisConfig holds the aggregate store connection settings.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// KafkaConfig holds broker addresses and topic names.
type KafkaConfig struct {
	Brokers        []string `koanf:"brokers"`
	InventoryTopic string   `koanf:"inventory_topic"`
	GroupTopic     string   `koanf:"group_topic"`
	StatisticTopic string   `koanf:"statistic_topic"`
	ConsumerGroup  string   `koanf:"consumer_group"`
}

// UpstreamConfig holds the base URL and timeout of one upstream service.
type UpstreamConfig struct {
	BaseURL string `koanf:"base_url"`
	Timeout string `koanf:"timeout"` // parsed as time.Duration
}

// EffectiveTimeout parses the timeout, falling back to 30s.
func (c UpstreamConfig) EffectiveTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// BufferConfig holds the event coalescing settings.
type BufferConfig struct {
	DrainInterval string `koanf:"drain_interval"` // parsed as time.Duration
	GracePeriod   string `koanf:"grace_period"`   // final drain budget on shutdown
}

// EffectiveDrainInterval returns the active drain interval.
func (c BufferConfig) EffectiveDrainInterval() time.Duration {
	if d, err := time.ParseDuration(c.DrainInterval); err == nil && d > 0 {
		return d
	}
	return 15 * time.Second
}

// EffectiveGracePeriod returns the shutdown drain budget.
func (c BufferConfig) EffectiveGracePeriod() time.Duration {
	if d, err := time.ParseDuration(c.GracePeriod); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// Load loads the configuration from the given file path and environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults := map[string]interface{}{
		"server.port":             8080,
		"server.host":             "0.0.0.0",
		"server.mode":             "release",
		"database.dsn":            "postgres://localhost:5432/groupcore?sslmode=disable",
		"database.max_open_conns": 25,
		"database.max_idle_conns": 25,
		"database.auto_migrate":   true,
		"redis.addr":              "localhost:6379",
		"redis.password":          "",
		"redis.db":                0,
		"kafka.brokers":           []string{"localhost:9092"},
		"kafka.inventory_topic":   "inventory.changes",
		"kafka.group_topic":       "group.membership",
		"kafka.statistic_topic":   "group.statistic",
		"kafka.consumer_group":    "groupcore",
		"inventory.base_url":      "http://localhost:8081",
		"inventory.timeout":       "30s",
		"search.base_url":         "http://localhost:8082",
		"search.timeout":          "60s",
		"buffer.drain_interval":   "15s",
		"buffer.grace_period":     "30s",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// 2. Load from file
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 3. Load from Environment Variables
	// GROUPCORE_SERVER__PORT=9090 overrides server.port
	if err := k.Load(env.Provider("GROUPCORE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "GROUPCORE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
