package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for pdm.
type Config struct {
	InstanceID   string             `toml:"instance_id"`
	BaseDir      string             `toml:"base_dir"`
	LogDir       string             `toml:"log_dir"`
	LogLevel     string             `toml:"log_level"` // "debug", "info" (default), "warn", "error"
	Server       ServerConfig       `toml:"server"`
	Database     DatabaseConfig     `toml:"database"`
	Blobs        VaultConfig        `toml:"blobs"`
	Mirror       MirrorConfig       `toml:"mirror"`
	Encryption   EncryptionConfig   `toml:"encryption"`
	Staging      StagingConfig      `toml:"staging"`
	Coordination CoordinationConfig `toml:"coordination"`
	Relay        RelayConfig        `toml:"relay"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Actors       []ActorConfig      `toml:"actors"`
}

// ServerConfig holds the HTTP listener and live-session settings.
type ServerConfig struct {
	Listen            string        `toml:"listen"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	MissedHeartbeats  int           `toml:"missed_heartbeats"`
	SessionBuffer     int           `toml:"session_buffer"` // per-session outbound queue length
}

// EncryptionConfig holds paths to the age key pair used for mirror encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "envelope"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig represents configuration for a blob store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// MirrorConfig configures asynchronous replication to a remote vault.
type MirrorConfig struct {
	Enabled  bool          `toml:"enabled"`
	Interval time.Duration `toml:"interval"`
	MaxLag   time.Duration `toml:"max_lag"` // pending age that triggers warnings
	Encrypt  bool          `toml:"encrypt"`
	Vault    VaultConfig   `toml:"vault"`
}

// DatabaseConfig represents configuration for the version store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig represents configuration for the upload staging area.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size"`              // max total size in bytes; must be positive, defaults to 1MB
}

// CoordinationConfig selects the cross-instance critical section.
type CoordinationConfig struct {
	Type      string        `toml:"type"` // "local" (default) or "redis"
	RedisAddr string        `toml:"redis_addr,omitempty"`
	Key       string        `toml:"key,omitempty"`
	LockTTL   time.Duration `toml:"lock_ttl,omitempty"`
}

// RelayConfig selects how events reach sessions on other instances.
type RelayConfig struct {
	Type      string `toml:"type"` // "none" (default), "redis" or "nats"
	RedisAddr string `toml:"redis_addr,omitempty"`
	NATSURL   string `toml:"nats_url,omitempty"`
	Channel   string `toml:"channel,omitempty"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	TraceStdout bool `toml:"trace_stdout"`
}

// ActorConfig declares an identity accepted by the server.
type ActorConfig struct {
	ID    string `toml:"id"`
	Role  string `toml:"role"` // "ordinary" or "elevated"
	Token string `toml:"token"`
}

// NewConfig creates a new Config with the provided values and defaults.
func NewConfig(instanceID, baseDir string) *Config {
	return &Config{
		InstanceID: instanceID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		LogLevel:   "info",
		Server: ServerConfig{
			Listen:            "127.0.0.1:8420",
			HeartbeatInterval: 10 * time.Second,
			MissedHeartbeats:  3,
			SessionBuffer:     64,
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Blobs:    VaultConfig{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "blobs")},
		Mirror: MirrorConfig{
			Interval: time.Minute,
			MaxLag:   time.Hour,
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "pdm.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "pdm.key"),
		},
		Staging: StagingConfig{
			Type:       "filesystem",
			StagingDir: filepath.Join(baseDir, "staging"),
			MaxSize:    1 << 30,
		},
		Coordination: CoordinationConfig{Type: "local"},
		Relay:        RelayConfig{Type: "none"},
	}
}

// Validate checks cross-field constraints that decoding cannot express.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if c.Server.HeartbeatInterval < 0 {
		return fmt.Errorf("server.heartbeat_interval must not be negative")
	}
	if c.Server.MissedHeartbeats < 0 {
		return fmt.Errorf("server.missed_heartbeats must not be negative")
	}
	seen := make(map[string]bool)
	tokens := make(map[string]bool)
	for i, a := range c.Actors {
		if a.ID == "" {
			return fmt.Errorf("actors[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("actors[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Token != "" {
			if tokens[a.Token] {
				return fmt.Errorf("actors[%d]: token already assigned", i)
			}
			tokens[a.Token] = true
		}
	}
	if c.Mirror.Enabled && c.Mirror.Vault.Type == "" {
		return fmt.Errorf("mirror.vault.type is required when mirroring is enabled")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// Tokens live in the file, so it is only readable by its owner.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
