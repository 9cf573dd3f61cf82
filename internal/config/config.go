// Package config holds the runtime configuration for the LAN sync daemon.
// Values come from defaults, then an optional YAML file, then environment
// overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Common errors returned by the config package.
var (
	ErrMissingSecret = errors.New("signing is required but no shared secret, passphrase, or keyring entry is configured")
)

// Config is the full configuration surface the sync core reads.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Network   NetworkConfig   `yaml:"network"`
	Security  SecurityConfig  `yaml:"security"`
	Sync      SyncConfig      `yaml:"sync"`
	Logging   LoggingConfig   `yaml:"logging"`
	DataDir   string          `yaml:"data_dir"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// NodeConfig identifies this node on the LAN.
type NodeConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// NetworkConfig covers discovery and transport addressing.
type NetworkConfig struct {
	MulticastGroup    string `yaml:"multicast_group"`
	DiscoveryPort     int    `yaml:"discovery_port"`
	SyncPort          int    `yaml:"sync_port"`
	DiscoveryInterval int    `yaml:"discovery_interval_s"`
	DeviceTimeout     int    `yaml:"device_timeout_s"`
	ConnectTimeout    int    `yaml:"connect_timeout_s"`
	RequestTimeout    int    `yaml:"request_timeout_s"`
	AuthTimeout       int    `yaml:"auth_timeout_s"`
}

// SecurityConfig covers message signing and TLS.
type SecurityConfig struct {
	RequireAuth bool `yaml:"require_auth"`

	// SharedSecret is the HMAC key as a literal string. When empty, the
	// secret is resolved from Passphrase (HKDF) or the OS keyring.
	SharedSecret   string `yaml:"shared_secret"`
	Passphrase     string `yaml:"passphrase"`
	KeyringService string `yaml:"keyring_service"`
	KeyringUser    string `yaml:"keyring_user"`

	UseTLS           bool   `yaml:"use_tls"`
	TLSCertFile      string `yaml:"tls_cert_file"`
	TLSKeyFile       string `yaml:"tls_key_file"`
	TLSCAFile        string `yaml:"tls_ca_file"`
	TLSSkipVerify    bool   `yaml:"tls_skip_verify"`
	TLSCheckHostname bool   `yaml:"tls_check_hostname"`
}

// SyncConfig covers the sync engine and retry worker.
type SyncConfig struct {
	Interval         int    `yaml:"interval_s"`
	MaxRetries       int    `yaml:"max_retries"`
	QueueLimit       int    `yaml:"queue_limit"`
	ConflictStrategy string `yaml:"conflict_strategy"` // last_write_wins | keep_both
	ReconnectInitial int    `yaml:"reconnect_initial_s"`
	ReconnectMax     int    `yaml:"reconnect_max_s"`
	ReconnectRetries int    `yaml:"reconnect_max_attempts"`
}

// HeartbeatConfig covers dead-peer detection.
type HeartbeatConfig struct {
	Interval  int `yaml:"interval_s"`
	Timeout   int `yaml:"timeout_s"`
	MaxMissed int `yaml:"max_missed"`
}

// LoggingConfig controls the shared logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a config with the stock LAN sync settings.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   uuid.NewString(),
			Name: "lansync-node",
		},
		Network: NetworkConfig{
			MulticastGroup:    "239.255.43.21",
			DiscoveryPort:     5000,
			SyncPort:          5001,
			DiscoveryInterval: 30,
			DeviceTimeout:     90,
			ConnectTimeout:    15,
			RequestTimeout:    10,
			AuthTimeout:       30,
		},
		Security: SecurityConfig{
			RequireAuth:      true,
			KeyringService:   "lansync",
			KeyringUser:      "shared-secret",
			TLSCheckHostname: true,
		},
		Sync: SyncConfig{
			Interval:         300,
			MaxRetries:       3,
			QueueLimit:       100,
			ConflictStrategy: "last_write_wins",
			ReconnectInitial: 2,
			ReconnectMax:     300,
			ReconnectRetries: 10,
		},
		Heartbeat: HeartbeatConfig{
			Interval:  30,
			Timeout:   10,
			MaxMissed: 3,
		},
		Logging: LoggingConfig{Level: "info"},
		DataDir: defaultDataDir(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lansync"
	}
	return filepath.Join(home, ".local", "share", "lansync")
}

// Load reads config from an optional YAML file and applies environment
// overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LANSYNC_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("LANSYNC_NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("LANSYNC_MULTICAST_GROUP"); v != "" {
		cfg.Network.MulticastGroup = v
	}
	if v, ok := envInt("LANSYNC_DISCOVERY_PORT"); ok {
		cfg.Network.DiscoveryPort = v
	}
	if v, ok := envInt("LANSYNC_SYNC_PORT"); ok {
		cfg.Network.SyncPort = v
	}
	if v, ok := envInt("LANSYNC_DISCOVERY_INTERVAL"); ok {
		cfg.Network.DiscoveryInterval = v
	}
	if v := os.Getenv("LANSYNC_SHARED_SECRET"); v != "" {
		cfg.Security.SharedSecret = v
	}
	if v := os.Getenv("LANSYNC_PASSPHRASE"); v != "" {
		cfg.Security.Passphrase = v
	}
	if v := os.Getenv("LANSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LANSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks invariants and fills in floors for nonsensical values.
// A missing signing secret with RequireAuth enabled is the one fatal case:
// the daemon must not come up signing nothing.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node id is required")
	}
	if c.Security.RequireAuth &&
		c.Security.SharedSecret == "" &&
		c.Security.Passphrase == "" &&
		(c.Security.KeyringService == "" || c.Security.KeyringUser == "") {
		return ErrMissingSecret
	}
	if c.Network.DiscoveryInterval < 1 {
		c.Network.DiscoveryInterval = 30
	}
	if c.Network.DeviceTimeout < c.Network.DiscoveryInterval {
		c.Network.DeviceTimeout = c.Network.DiscoveryInterval * 3
	}
	if c.Network.AuthTimeout < c.Network.RequestTimeout {
		c.Network.AuthTimeout = c.Network.RequestTimeout * 2
	}
	if c.Heartbeat.Interval < 1 {
		c.Heartbeat.Interval = 30
	}
	if c.Heartbeat.MaxMissed < 1 {
		c.Heartbeat.MaxMissed = 3
	}
	if c.Sync.MaxRetries < 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.ReconnectInitial < 1 {
		c.Sync.ReconnectInitial = 2
	}
	if c.Sync.ReconnectMax < c.Sync.ReconnectInitial {
		c.Sync.ReconnectMax = 300
	}
	switch c.Sync.ConflictStrategy {
	case "last_write_wins", "keep_both":
	case "":
		c.Sync.ConflictStrategy = "last_write_wins"
	default:
		return fmt.Errorf("unknown conflict strategy: %s", c.Sync.ConflictStrategy)
	}
	return nil
}

// DiscoveryIntervalDur is Network.DiscoveryInterval as a duration.
func (c *Config) DiscoveryIntervalDur() time.Duration {
	return time.Duration(c.Network.DiscoveryInterval) * time.Second
}

// DeviceTimeoutDur is Network.DeviceTimeout as a duration.
func (c *Config) DeviceTimeoutDur() time.Duration {
	return time.Duration(c.Network.DeviceTimeout) * time.Second
}
