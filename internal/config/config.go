// Package config provides configuration management for the group manager.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/limiquantix/groupmanager/internal/anomaly"
	"github.com/limiquantix/groupmanager/internal/migration"
	"github.com/limiquantix/groupmanager/internal/monitoring"
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	GRPC         GRPCConfig         `mapstructure:"grpc"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	GroupManager GroupManagerConfig `mapstructure:"groupmanager"`
	Relocation   anomaly.Config     `mapstructure:"relocation"`
	Migration    migration.Config   `mapstructure:"migration"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCConfig holds the monitoring gRPC listener configuration.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Address returns the gRPC listen address.
func (c GRPCConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// URL returns the PostgreSQL connection URL.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ElectionPrefix string        `mapstructure:"election_prefix"`
	SessionTTL     int           `mapstructure:"session_ttl"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MonitoringConfig holds detection configuration.
type MonitoringConfig struct {
	// HistoryDepth is the number of samples averaged per VM and metric.
	HistoryDepth int `mapstructure:"history_depth"`
	// HistoryCapacity is the number of samples kept per VM and metric.
	HistoryCapacity  int                        `mapstructure:"history_capacity"`
	Thresholds       monitoring.Thresholds      `mapstructure:"thresholds"`
	MetricThresholds map[string]monitoring.Band `mapstructure:"metric_thresholds"`
}

// GroupManagerConfig holds the detection loop configuration.
type GroupManagerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
	// WakeTimeout bounds the wait for a woken node's daemon to answer.
	WakeTimeout      time.Duration `mapstructure:"wake_timeout"`
	WakePollInterval time.Duration `mapstructure:"wake_poll_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("GROUPMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
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

// Validate checks values that would make detection meaningless.
func (c *Config) Validate() error {
	if c.Monitoring.HistoryDepth <= 0 {
		return fmt.Errorf("monitoring.history_depth must be positive, got %d", c.Monitoring.HistoryDepth)
	}
	if c.Monitoring.HistoryCapacity < c.Monitoring.HistoryDepth {
		return fmt.Errorf("monitoring.history_capacity (%d) must be at least history_depth (%d)",
			c.Monitoring.HistoryCapacity, c.Monitoring.HistoryDepth)
	}
	bands := map[string]monitoring.Band{
		"cpu":     c.Monitoring.Thresholds.CPU,
		"memory":  c.Monitoring.Thresholds.Memory,
		"network": c.Monitoring.Thresholds.Network,
	}
	for name, b := range bands {
		if b.Min > b.Max {
			return fmt.Errorf("monitoring.thresholds.%s: min %.2f above max %.2f", name, b.Min, b.Max)
		}
	}
	if c.Migration.Timeout <= 0 {
		return fmt.Errorf("migration.timeout must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// gRPC
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9090)

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "groupmanager")
	v.SetDefault("database.user", "groupmanager")
	v.SetDefault("database.password", "groupmanager")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.election_prefix", "/groupmanager/leader")
	v.SetDefault("etcd.session_ttl", 10)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Monitoring
	thresholds := monitoring.DefaultThresholds()
	v.SetDefault("monitoring.history_depth", 10)
	v.SetDefault("monitoring.history_capacity", 30)
	v.SetDefault("monitoring.thresholds.cpu.min", thresholds.CPU.Min)
	v.SetDefault("monitoring.thresholds.cpu.max", thresholds.CPU.Max)
	v.SetDefault("monitoring.thresholds.memory.min", thresholds.Memory.Min)
	v.SetDefault("monitoring.thresholds.memory.max", thresholds.Memory.Max)
	v.SetDefault("monitoring.thresholds.network.min", thresholds.Network.Min)
	v.SetDefault("monitoring.thresholds.network.max", thresholds.Network.Max)
	metricDefaults := make(map[string]any)
	for name, b := range monitoring.DefaultMetricThresholds() {
		metricDefaults[name] = map[string]any{"min": b.Min, "max": b.Max}
	}
	v.SetDefault("monitoring.metric_thresholds", metricDefaults)

	// Group manager
	v.SetDefault("groupmanager.enabled", true)
	v.SetDefault("groupmanager.interval", "30s")
	v.SetDefault("groupmanager.watch_interval", "1m")
	v.SetDefault("groupmanager.wake_timeout", "3m")
	v.SetDefault("groupmanager.wake_poll_interval", "5s")

	// Relocation
	relocation := anomaly.DefaultConfig()
	v.SetDefault("relocation.overload_policy", string(relocation.OverloadPolicy))
	v.SetDefault("relocation.underload_policy", string(relocation.UnderloadPolicy))
	v.SetDefault("relocation.overheat_policy", string(relocation.OverheatPolicy))

	// Migration
	v.SetDefault("migration.timeout", migration.DefaultConfig().Timeout.String())

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
