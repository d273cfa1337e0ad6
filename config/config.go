package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig contains HTTP API configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr is the HTTP listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// StorageConfig contains replica store configuration
type StorageConfig struct {
	Backend    string        `mapstructure:"backend"`
	DataDir    string        `mapstructure:"data_dir"`
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// ClusterConfig contains clustering configuration
type ClusterConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	NodeID   string `mapstructure:"node_id"`
	BindAddr string `mapstructure:"bind_addr"`
	// RPCAddr serves the coordinator gRPC service used for leader forwarding and joins.
	RPCAddr string `mapstructure:"rpc_addr"`
	// Advertise is the HTTP address other members and operators reach this node at.
	Advertise         string        `mapstructure:"advertise"`
	Bootstrap         bool          `mapstructure:"bootstrap"`
	JoinAddresses     []string      `mapstructure:"join_addresses"`
	DataDir           string        `mapstructure:"data_dir"`
	MinQuorum         int           `mapstructure:"min_quorum"`
	ApplyTimeout      time.Duration `mapstructure:"apply_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MemberTTL         time.Duration `mapstructure:"member_ttl"`
}

// CoordinationConfig holds the lease discipline of locks, leadership and events.
// A crashed lock holder blocks its locks for at most LockLease.
type CoordinationConfig struct {
	LockLease   time.Duration `mapstructure:"lock_lease"`
	LockRefresh time.Duration `mapstructure:"lock_refresh"`
	LockRetry   time.Duration `mapstructure:"lock_retry"`
	LeaderLease time.Duration `mapstructure:"leader_lease"`
	LeaderRenew time.Duration `mapstructure:"leader_renew"`
	EventTTL    time.Duration `mapstructure:"event_ttl"`
	EventBuffer int           `mapstructure:"event_buffer"`
}

// EngineConfig tunes the process engine
type EngineConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	AsyncStart   bool          `mapstructure:"async_start"`
	FlowsDir     string        `mapstructure:"flows_dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// TracingConfig selects the span exporter
type TracingConfig struct {
	Exporter string `mapstructure:"exporter"`
	File     string `mapstructure:"file"`
}

// LoadConfig loads configuration from file and environment into the global viper.
func LoadConfig(configPath string) (*Config, error) {
	return Load(viper.GetViper(), configPath)
}

// Load reads configuration through v: defaults, then the config file, then
// FLOWMESH_* environment variables and any flags already bound to v.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/flowmesh")
	}

	SetDefaults(v)

	v.SetEnvPrefix("FLOWMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Storage defaults
	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.gc_interval", "5m")

	// Cluster defaults
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.node_id", "")
	v.SetDefault("cluster.bind_addr", "")
	v.SetDefault("cluster.rpc_addr", "")
	v.SetDefault("cluster.advertise", "")
	v.SetDefault("cluster.bootstrap", false)
	v.SetDefault("cluster.join_addresses", []string{})
	v.SetDefault("cluster.data_dir", "./cluster")
	v.SetDefault("cluster.min_quorum", 0)
	v.SetDefault("cluster.apply_timeout", "5s")
	v.SetDefault("cluster.heartbeat_interval", "2s")
	v.SetDefault("cluster.member_ttl", "10s")

	// Coordination defaults
	v.SetDefault("coordination.lock_lease", "15s")
	v.SetDefault("coordination.lock_refresh", "5s")
	v.SetDefault("coordination.lock_retry", "50ms")
	v.SetDefault("coordination.leader_lease", "10s")
	v.SetDefault("coordination.leader_renew", "3s")
	v.SetDefault("coordination.event_ttl", "30s")
	v.SetDefault("coordination.event_buffer", 256)

	// Engine defaults
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 64)
	v.SetDefault("engine.poll_interval", "2s")
	v.SetDefault("engine.lock_timeout", "5s")
	v.SetDefault("engine.stale_after", "1m")
	v.SetDefault("engine.async_start", false)
	v.SetDefault("engine.flows_dir", "./flows")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	// Tracing defaults
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.file", "")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	config.Storage.DataDir = filepath.Clean(config.Storage.DataDir)

	switch config.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("storage.backend must be badger or memory, got %q", config.Storage.Backend)
	}

	if config.Cluster.Enabled {
		config.Cluster.DataDir = filepath.Clean(config.Cluster.DataDir)

		if config.Cluster.NodeID == "" {
			return fmt.Errorf("cluster.node_id is required when clustering is enabled")
		}

		if config.Cluster.BindAddr == "" {
			config.Cluster.BindAddr = fmt.Sprintf("localhost:%d", config.Server.Port+1000)
		}
		if config.Cluster.RPCAddr == "" {
			config.Cluster.RPCAddr = fmt.Sprintf("localhost:%d", config.Server.Port+2000)
		}
	}
	if config.Cluster.NodeID == "" {
		config.Cluster.NodeID = "local"
	}
	if config.Cluster.Advertise == "" {
		config.Cluster.Advertise = config.Server.Addr()
	}

	// Validate port ranges
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	c := config.Coordination
	if c.LockLease <= c.LockRefresh {
		return fmt.Errorf("coordination.lock_lease (%s) must exceed coordination.lock_refresh (%s)", c.LockLease, c.LockRefresh)
	}
	if c.LeaderLease <= c.LeaderRenew {
		return fmt.Errorf("coordination.leader_lease (%s) must exceed coordination.leader_renew (%s)", c.LeaderLease, c.LeaderRenew)
	}
	if c.LockRefresh <= 0 || c.LeaderRenew <= 0 {
		return fmt.Errorf("coordination refresh intervals must be positive")
	}

	if config.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if config.Cluster.MemberTTL <= config.Cluster.HeartbeatInterval {
		return fmt.Errorf("cluster.member_ttl must exceed cluster.heartbeat_interval")
	}

	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	switch config.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be none or stdout")
	}

	return nil
}

// GetDefaultConfig returns a default configuration
func GetDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	_ = validateConfig(&config)

	return &config
}
