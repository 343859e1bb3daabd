package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pdm-go/internal/config"
	"pdm-go/internal/encryption"
	"pdm-go/internal/mirror"
)

// Keygen creates the key pair used to encrypt mirrored data. Existing keys
// are never overwritten.
func Keygen(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc.IsConfigured() {
		return fmt.Errorf("keys already exist at %s", cfg.Encryption.PublicKeyPath)
	}
	return enc.Setup(passphrase)
}

// FetchDatabase restores the newest mirrored database snapshot into the
// configured data directory. It refuses to replace an existing database.
func FetchDatabase(ctx context.Context, cfg *config.Config, passphrase func() (string, error)) (string, int64, error) {
	if !cfg.Mirror.Enabled {
		return "", 0, fmt.Errorf("mirroring is not enabled")
	}
	if cfg.Database.Type != "sqlite" {
		return "", 0, fmt.Errorf("only sqlite databases can be restored")
	}
	dest := filepath.Join(cfg.Database.DataDir, cfg.InstanceID+".db")
	if _, err := os.Stat(dest); err == nil {
		return "", 0, fmt.Errorf("database already exists at %s: move it aside first", dest)
	}
	remote, err := newRemoteVault(ctx, cfg, passphrase)
	if err != nil {
		return "", 0, err
	}
	version, err := mirror.FetchDatabase(remote, cfg.InstanceID, dest)
	if err != nil {
		return "", 0, fmt.Errorf("fetching database: %w", err)
	}
	return dest, version, nil
}

// FetchBlob writes a mirrored blob to dest.
func FetchBlob(ctx context.Context, cfg *config.Config, checksum, dest string, passphrase func() (string, error)) error {
	if !cfg.Mirror.Enabled {
		return fmt.Errorf("mirroring is not enabled")
	}
	remote, err := newRemoteVault(ctx, cfg, passphrase)
	if err != nil {
		return err
	}
	if err := mirror.FetchBlob(remote, checksum, dest); err != nil {
		return fmt.Errorf("fetching blob %s: %w", checksum, err)
	}
	return nil
}
