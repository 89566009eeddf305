// ABOUTME: XDG-based data and config directory resolution for the flowline CLI.
// ABOUTME: Checks XDG_DATA_HOME / XDG_CONFIG_HOME, falls back to ~/.local/share/flowline and ~/.config/flowline.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	appDirName     = "flowline"
	databaseFile   = "flowline.db"
	configFileName = "flowline.yaml"
)

// defaultDataDir returns the directory holding the workflow and execution database.
func defaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// defaultConfigDir returns the directory searched for flowline.yaml.
func defaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

func xdgDir(env string, fallback ...string) (string, error) {
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(append(append([]string{home}, fallback...), appDirName)...), nil
}

// resolveDataDir prefers an explicit override and creates the directory.
func resolveDataDir(override string) (string, error) {
	dir := override
	if dir == "" {
		var err error
		if dir, err = defaultDataDir(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}
