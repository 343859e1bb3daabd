package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("instance-abc", "/srv/pdm")
	original.Blobs = VaultConfig{Type: "filesystem", Name: "local", FSVaultRoot: "/srv/pdm/blobs"}
	original.Mirror = MirrorConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
		MaxLag:   2 * time.Hour,
		Encrypt:  true,
		Vault:    VaultConfig{Type: "s3", Name: "offsite", S3Bucket: "parts", S3Region: "eu-west-1"},
	}
	original.Coordination = CoordinationConfig{Type: "redis", RedisAddr: "localhost:6379", LockTTL: 5 * time.Second}
	original.Actors = []ActorConfig{
		{ID: "alice", Role: "ordinary", Token: "tok-a"},
		{ID: "admin", Role: "elevated", Token: "tok-x"},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.InstanceID != original.InstanceID {
		t.Errorf("InstanceID = %q, want %q", got.InstanceID, original.InstanceID)
	}
	if got.Server.HeartbeatInterval != 10*time.Second {
		t.Errorf("Server.HeartbeatInterval = %v, want 10s", got.Server.HeartbeatInterval)
	}
	if got.Server.MissedHeartbeats != 3 {
		t.Errorf("Server.MissedHeartbeats = %d, want 3", got.Server.MissedHeartbeats)
	}
	if got.Blobs.FSVaultRoot != "/srv/pdm/blobs" {
		t.Errorf("Blobs.FSVaultRoot = %q, want %q", got.Blobs.FSVaultRoot, "/srv/pdm/blobs")
	}
	if got.Mirror.Vault.S3Bucket != "parts" {
		t.Errorf("Mirror.Vault.S3Bucket = %q, want %q", got.Mirror.Vault.S3Bucket, "parts")
	}
	if got.Mirror.MaxLag != 2*time.Hour {
		t.Errorf("Mirror.MaxLag = %v, want 2h", got.Mirror.MaxLag)
	}
	if got.Coordination.LockTTL != 5*time.Second {
		t.Errorf("Coordination.LockTTL = %v, want 5s", got.Coordination.LockTTL)
	}
	if len(got.Actors) != 2 {
		t.Fatalf("len(Actors) = %d, want 2", len(got.Actors))
	}
	if got.Actors[1].Role != "elevated" {
		t.Errorf("Actors[1].Role = %q, want %q", got.Actors[1].Role, "elevated")
	}
}

func TestManager_Read_Document(t *testing.T) {
	doc := `
instance_id = "pdm-1"
base_dir = "/var/lib/pdm"
log_level = "debug"

[server]
listen = ":9000"
heartbeat_interval = "5s"
missed_heartbeats = 4

[relay]
type = "nats"
nats_url = "nats://127.0.0.1:4222"

[[actors]]
id = "bob"
role = "ordinary"
token = "t-bob"
`
	got, err := (&Manager{}).Read(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Server.Listen != ":9000" {
		t.Errorf("Server.Listen = %q, want %q", got.Server.Listen, ":9000")
	}
	if got.Server.HeartbeatInterval != 5*time.Second {
		t.Errorf("Server.HeartbeatInterval = %v, want 5s", got.Server.HeartbeatInterval)
	}
	if got.Relay.Type != "nats" || got.Relay.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("Relay = %+v", got.Relay)
	}
	if len(got.Actors) != 1 || got.Actors[0].ID != "bob" {
		t.Errorf("Actors = %+v", got.Actors)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/pdm")

	if cfg.InstanceID != "host-1" {
		t.Errorf("InstanceID = %q, want %q", cfg.InstanceID, "host-1")
	}
	if cfg.LogDir != "/data/pdm/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/pdm/log")
	}
	if cfg.Encryption.PublicKeyPath != "/data/pdm/keys/pdm.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/pdm/keys/pdm.pub")
	}
	if cfg.Database.DataDir != "/data/pdm/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/pdm/db")
	}
	if cfg.Coordination.Type != "local" {
		t.Errorf("Coordination.Type = %q, want local", cfg.Coordination.Type)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing instance id", func(c *Config) { c.InstanceID = "" }, "instance_id"},
		{"actor without id", func(c *Config) { c.Actors = []ActorConfig{{Role: "ordinary"}} }, "id is required"},
		{"duplicate actor", func(c *Config) {
			c.Actors = []ActorConfig{{ID: "a", Token: "1"}, {ID: "a", Token: "2"}}
		}, "duplicate id"},
		{"shared token", func(c *Config) {
			c.Actors = []ActorConfig{{ID: "a", Token: "1"}, {ID: "b", Token: "1"}}
		}, "token already assigned"},
		{"mirror without vault", func(c *Config) { c.Mirror.Enabled = true }, "mirror.vault.type"},
		{"negative heartbeats", func(c *Config) { c.Server.MissedHeartbeats = -1 }, "missed_heartbeats"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("h", "/tmp/pdm")
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "pdm.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "pdm.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "pdm.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.InstanceID != "read-test" {
			t.Errorf("InstanceID = %q, want %q", got.InstanceID, "read-test")
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want memory", got.Database.Type)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/pdm.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
