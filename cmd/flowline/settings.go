// ABOUTME: Optional YAML settings file for engine limits, server, history retention, and tracing.
// ABOUTME: Command-line flags that were set explicitly override values read from the file.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/flowline/engine"
)

// settings is the shape of flowline.yaml.
type settings struct {
	Server    serverSettings  `yaml:"server"`
	Limits    engine.Limits   `yaml:"limits"`
	History   historySettings `yaml:"history"`
	Tracing   tracingSettings `yaml:"tracing"`
	Workflows string          `yaml:"workflows"`
	DataDir   string          `yaml:"dataDir"`
}

type serverSettings struct {
	Addr                   string        `yaml:"addr"`
	Token                  string        `yaml:"token"`
	WebhookResponseTimeout time.Duration `yaml:"webhookResponseTimeout"`
	MaxBodyBytes           int64         `yaml:"maxBodyBytes"`
}

type historySettings struct {
	MaxAge        time.Duration `yaml:"maxAge"`
	MaxCount      int           `yaml:"maxCount"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
}

type tracingSettings struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"serviceName"`
	SampleRate  float64 `yaml:"sampleRate"`
}

const (
	defaultPort          = 5678
	defaultPruneInterval = 10 * time.Minute
	defaultHistoryAge    = 7 * 24 * time.Hour
	defaultHistoryCount  = 10000
)

func defaultSettings() settings {
	return settings{
		Server: serverSettings{Addr: fmt.Sprintf("127.0.0.1:%d", defaultPort)},
		History: historySettings{
			MaxAge:        defaultHistoryAge,
			MaxCount:      defaultHistoryCount,
			PruneInterval: defaultPruneInterval,
		},
		Tracing: tracingSettings{ServiceName: appDirName, SampleRate: 1},
	}
}

// loadSettings reads the settings file named by cfg.configFile, or
// flowline.yaml in the config dir when it exists, then applies flag overrides.
func loadSettings(cfg config) (settings, error) {
	s := defaultSettings()

	path, explicit := cfg.configFile, cfg.configFile != ""
	if !explicit {
		if dir, err := defaultConfigDir(); err == nil {
			path = filepath.Join(dir, configFileName)
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeSettings(data, &s); err != nil {
				return s, fmt.Errorf("config %s: %w", path, err)
			}
		case explicit || !errors.Is(err, os.ErrNotExist):
			return s, fmt.Errorf("read config: %w", err)
		}
	}

	if cfg.isSet("port") {
		s.Server.Addr = fmt.Sprintf("127.0.0.1:%d", cfg.port)
	}
	if cfg.isSet("addr") {
		s.Server.Addr = cfg.addr
	}
	if cfg.isSet("token") {
		s.Server.Token = cfg.token
	}
	if cfg.isSet("workflows") {
		s.Workflows = cfg.workflowsDir
	}
	if cfg.isSet("data-dir") {
		s.DataDir = cfg.dataDir
	}
	if cfg.isSet("max-active") {
		s.Limits.MaxActiveExecutions = cfg.maxActive
	}
	if cfg.isSet("trace") {
		s.Tracing.Enabled = cfg.trace
	}
	return s, nil
}

// decodeSettings rejects unknown keys so typos do not silently fall back to defaults.
func decodeSettings(data []byte, s *settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if s.History.MaxAge < 0 || s.History.MaxCount < 0 {
		return errors.New("history limits must not be negative")
	}
	if s.Tracing.SampleRate < 0 || s.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sampleRate %v outside [0, 1]", s.Tracing.SampleRate)
	}
	return nil
}
