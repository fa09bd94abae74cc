package config

import (
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host string `mapstructure:"host"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type MongoDBConfig struct {
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Port     string `mapstructure:"port"`
	Host     string `mapstructure:"host"`
}

// RegistryConfig controls failure detection. HeartbeatTimeout should be a
// small multiple of the expected heartbeat period so a single lost packet
// degrades rather than evicts.
type RegistryConfig struct {
	HeartbeatPeriod  time.Duration `mapstructure:"heartbeat_period"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	DefaultMaxAgents int           `mapstructure:"default_max_agents"`
}

type DiscoveryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	NetworkRanges []string      `mapstructure:"network_ranges"`
	ProbePort     int           `mapstructure:"probe_port"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	ScanInterval  time.Duration `mapstructure:"scan_interval"`
}

type PlacementConfig struct {
	RebalanceInterval    time.Duration `mapstructure:"rebalance_interval"`
	VarianceThreshold    float64       `mapstructure:"variance_threshold"`
	MaxMigrationsPerPass int           `mapstructure:"max_migrations_per_pass"`
	MigrationTimeout     time.Duration `mapstructure:"migration_timeout"`
	ConcurrentMigrations int           `mapstructure:"concurrent_migrations"`
}

type HubConfig struct {
	ClusterName      string        `mapstructure:"cluster_name"`
	SharedSecret     string        `mapstructure:"shared_secret"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
}

type FleetConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Placement PlacementConfig `mapstructure:"placement"`
	Hub       HubConfig       `mapstructure:"hub"`
}

// InitFleetConfig loads the TOML config, applying FLEET_* environment
// overrides. Timing knobs default to 30s heartbeat period, 90s timeout and
// 15s sweep when unset.
func InitFleetConfig(configName string, configPath string) (FleetConfig, error) {
	var cfg FleetConfig
	v := viper.New()
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if configName == "" {
		configName = "fleet_config"
	}
	v.AddConfigPath(GetAbsPath("config"))
	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.SetEnvPrefix("FLEET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
	}

	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", ":8080")
	v.SetDefault("logging.level", "info")

	v.SetDefault("registry.heartbeat_period", 30*time.Second)
	v.SetDefault("registry.heartbeat_timeout", 90*time.Second)
	v.SetDefault("registry.sweep_interval", 15*time.Second)
	v.SetDefault("registry.default_max_agents", 16)

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.probe_port", 9090)
	v.SetDefault("discovery.probe_timeout", 3*time.Second)
	v.SetDefault("discovery.max_retries", 2)
	v.SetDefault("discovery.scan_interval", time.Minute)

	v.SetDefault("placement.rebalance_interval", 5*time.Minute)
	v.SetDefault("placement.variance_threshold", 0.04)
	v.SetDefault("placement.max_migrations_per_pass", 4)
	v.SetDefault("placement.migration_timeout", 30*time.Second)
	v.SetDefault("placement.concurrent_migrations", 8)

	v.SetDefault("hub.cluster_name", "fleet")
	v.SetDefault("hub.dispatch_interval", 500*time.Millisecond)
	v.SetDefault("hub.send_timeout", 5*time.Second)
}

// GetAbsPath returns the absolute path by joining the given paths with the
// project root directory.
func GetAbsPath(paths ...string) string {
	_, filePath, _, _ := runtime.Caller(1)
	basePath := filepath.Dir(filePath)
	rootPath := filepath.Join(basePath, "..")
	return filepath.Join(rootPath, filepath.Join(paths...))
}
