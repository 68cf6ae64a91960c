package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $TOOLGATE_CONFIG, ./toolgate.yaml, ./toolgate.toml,
// ~/.config/toolgate/config.{yaml,toml}, /etc/toolgate/config.{yaml,toml}.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("TOOLGATE_CONFIG"); path != "" {
		if fileExists(path) {
			return path, nil
		}
		return "", fmt.Errorf("TOOLGATE_CONFIG points at %s, which does not exist", path)
	}

	candidates := []string{"toolgate.yaml", "toolgate.yml", "toolgate.toml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(homeDir, ".config", "toolgate")
		candidates = append(candidates, filepath.Join(dir, "config.yaml"), filepath.Join(dir, "config.toml"))
	}
	candidates = append(candidates, "/etc/toolgate/config.yaml", "/etc/toolgate/config.toml")

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $TOOLGATE_CONFIG, ./toolgate.{yaml,yml,toml}, ~/.config/toolgate, /etc/toolgate)")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
