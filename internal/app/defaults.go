package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults resolves where pdm keeps its files before any config is read.
//
//	PDM_CONFIG_PATH  config file (default ~/.config/pdm.toml)
//	PDM_HOME         instance home (default ~/.local/share/pdm)
//
// An instance home holds the version store (db/), the local blob vault
// (blobs/), upload staging (staging/), mirror keys (keys/) and pdm.log
// (log/). `pdm config init` writes these paths into a new config.
func GetDefaults() (map[string]string, error) {
	configPath, err := fromEnvOrHome("PDM_CONFIG_PATH", ".config", "pdm.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := fromEnvOrHome("PDM_HOME", ".local", "share", "pdm")
	if err != nil {
		return nil, err
	}

	defaults := map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
	}
	for _, sub := range []string{"log", "db", "blobs", "staging", "keys"} {
		defaults[sub+"_dir"] = filepath.Join(baseDir, sub)
	}
	return defaults, nil
}

// fromEnvOrHome returns $env when set, else the path under the user's home.
func fromEnvOrHome(env string, rel ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for %s: %w", env, err)
	}
	return filepath.Join(append([]string{home}, rel...)...), nil
}
