package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// NatsConfiguration controls the cluster fabric connection
type NatsConfiguration struct {
	URL                string `toml:"url"`
	SubjectPrefix      string `toml:"subject_prefix"`
	ReconnectWaitMS    int    `toml:"reconnect_wait_ms"`
	PeerProbeIntervalS int    `toml:"peer_probe_interval_s"` // Interval for peer liveness probes
	PeerProbeTimeoutMS int    `toml:"peer_probe_timeout_ms"`
}

// ChangefeedConfiguration controls feed and subscription behavior
type ChangefeedConfiguration struct {
	QueueSize          int `toml:"queue_size"`           // Per-subscription event queue capacity
	ReorderBufferSize  int `toml:"reorder_buffer_size"`  // Max out-of-order messages buffered per server
	SubscribeTimeoutMS int `toml:"subscribe_timeout_ms"` // Timeout for the server registration handshake
	SendTimeoutMS      int `toml:"send_timeout_ms"`      // Timeout for a single fanout send
}

// StoreConfiguration controls the secondary index store
type StoreConfiguration struct {
	Path string `toml:"path"`
}

// NamespaceConfiguration controls table resolution caching
type NamespaceConfiguration struct {
	CacheSize int `toml:"cache_size"`
}

// AdminConfiguration controls the admin HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls log output
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration controls metrics collection
type PrometheusConfiguration struct {
	Enabled bool `toml:"enable"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeName string `toml:"node_name"`
	DataDir  string `toml:"data_dir"`

	Nats       NatsConfiguration       `toml:"nats"`
	Changefeed ChangefeedConfiguration `toml:"changefeed"`
	Store      StoreConfiguration      `toml:"store"`
	Namespace  NamespaceConfiguration  `toml:"namespace"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeNameFlag   = flag.String("node-name", "", "Node name (overrides config, empty=auto)")
	NatsURLFlag    = flag.String("nats-url", "", "NATS URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeName: "", // Auto-generate
	DataDir:  "./changefeed-data",

	Nats: NatsConfiguration{
		URL:                "",
		SubjectPrefix:      "mailbox",
		ReconnectWaitMS:    1000,
		PeerProbeIntervalS: 5,
		PeerProbeTimeoutMS: 2000,
	},

	Changefeed: ChangefeedConfiguration{
		QueueSize:          128,
		ReorderBufferSize:  1024,
		SubscribeTimeoutMS: 5000,
		SendTimeoutMS:      5000,
	},

	Store: StoreConfiguration{
		Path: "", // Defaults to DataDir/sindex
	},

	Namespace: NamespaceConfiguration{
		CacheSize: 1024,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeNameFlag != "" {
		Config.NodeName = *NodeNameFlag
	}
	if *NatsURLFlag != "" {
		Config.Nats.URL = *NatsURLFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node name if not set
	if Config.NodeName == "" {
		name, err := generateNodeName()
		if err != nil {
			return fmt.Errorf("failed to generate node name: %w", err)
		}
		Config.NodeName = name
		log.Info().Str("node_name", Config.NodeName).Msg("Auto-generated node name")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeName derives a stable node name from the machine ID
func generateNodeName() (string, error) {
	id, err := machineid.ProtectedID("changefeed")
	if err != nil {
		return "", err
	}
	// Machine IDs are long hex strings; 16 chars is plenty to avoid collisions
	if len(id) > 16 {
		id = id[:16]
	}
	return "node-" + id, nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Changefeed.QueueSize < 1 {
		return fmt.Errorf("invalid changefeed queue size: %d", Config.Changefeed.QueueSize)
	}
	if Config.Changefeed.ReorderBufferSize < 1 {
		return fmt.Errorf("invalid reorder buffer size: %d", Config.Changefeed.ReorderBufferSize)
	}
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}
	return nil
}
