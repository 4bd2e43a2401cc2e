// Package config loads the node binary's configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Node is the configuration of one gossipstate-node process.
// Environment variables take precedence over the file.
type Node struct {
	Secret         string        `yaml:"secret" env:"GOSSIPSTATE_SECRET"`
	Namespace      string        `yaml:"namespace" env:"GOSSIPSTATE_NAMESPACE"`
	NodeID         string        `yaml:"nodeId" env:"GOSSIPSTATE_NODE_ID"`
	BindAddr       string        `yaml:"bindAddr" env:"GOSSIPSTATE_BIND_ADDR"`
	Seeds          []string      `yaml:"seeds" env:"GOSSIPSTATE_SEEDS" envSeparator:","`
	Discovery      bool          `yaml:"discovery" env:"GOSSIPSTATE_DISCOVERY"`
	GossipInterval time.Duration `yaml:"gossipInterval" env:"GOSSIPSTATE_GOSSIP_INTERVAL"`
	StorePath      string        `yaml:"storePath" env:"GOSSIPSTATE_STORE_PATH"`
	MetricsAddr    string        `yaml:"metricsAddr" env:"GOSSIPSTATE_METRICS_ADDR"`
	LogLevel       string        `yaml:"logLevel" env:"GOSSIPSTATE_LOG_LEVEL"`
	Denied         []string      `yaml:"denied" env:"GOSSIPSTATE_DENIED" envSeparator:","`
	Allowed        []string      `yaml:"allowed" env:"GOSSIPSTATE_ALLOWED" envSeparator:","`
}

func Default() Node {
	return Node{
		Namespace:      "default",
		BindAddr:       "0.0.0.0:7946",
		Discovery:      true,
		GossipInterval: 5 * time.Second,
		LogLevel:       "info",
	}
}

// Load starts from Default, applies the file at path if path is not empty,
// then the environment.
func Load(path string) (Node, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Node{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Node{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Node{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Node{}, err
	}
	return cfg, nil
}

func (n Node) Validate() error {
	var errs []error
	if n.Namespace == "" {
		errs = append(errs, errors.New("config: namespace is required"))
	}
	if n.BindAddr == "" {
		errs = append(errs, errors.New("config: bindAddr is required"))
	}
	if n.GossipInterval <= 0 {
		errs = append(errs, errors.New("config: gossipInterval must be positive"))
	}
	if _, err := n.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel as a slog level name such as "debug" or "warn".
func (n Node) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(n.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: logLevel: %w", err)
	}
	return level, nil
}
