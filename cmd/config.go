package cmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peersync/apicache/pkg/cache"
)

// fileConfig mirrors cache.Config for the optional YAML config file.
// Unset fields keep the value already resolved from the environment.
type fileConfig struct {
	EnableP2P      *bool    `yaml:"p2p"`
	ListenPort     *int     `yaml:"listen_port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	Secret         *string  `yaml:"secret"`
	AllowCleartext *bool    `yaml:"allow_cleartext"`
	DefaultTTL     *string  `yaml:"default_ttl"`
	Dir            *string  `yaml:"dir"`
	MaxSize        *int     `yaml:"max_size"`
	RegistryPath   *string  `yaml:"registry"`
	RunnerName     *string  `yaml:"runner_name"`
}

func applyConfigFile(path string, cfg *cache.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if fc.EnableP2P != nil {
		cfg.EnableP2P = *fc.EnableP2P
	}
	if fc.ListenPort != nil {
		cfg.ListenPort = *fc.ListenPort
	}
	if len(fc.BootstrapPeers) > 0 {
		cfg.BootstrapPeers = fc.BootstrapPeers
	}
	if fc.Secret != nil {
		cfg.Secret = *fc.Secret
	}
	if fc.AllowCleartext != nil {
		cfg.AllowCleartext = *fc.AllowCleartext
	}
	if fc.DefaultTTL != nil {
		d, err := time.ParseDuration(*fc.DefaultTTL)
		if err != nil {
			return fmt.Errorf("parse default_ttl: %w", err)
		}
		cfg.DefaultTTL = d
	}
	if fc.Dir != nil {
		cfg.Dir = *fc.Dir
	}
	if fc.MaxSize != nil {
		cfg.MaxSize = *fc.MaxSize
	}
	if fc.RegistryPath != nil {
		cfg.RegistryPath = *fc.RegistryPath
	}
	if fc.RunnerName != nil {
		cfg.RunnerName = *fc.RunnerName
	}
	return nil
}
