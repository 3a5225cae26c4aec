// Package config loads the dispatcher's settings: an optional YAML
// overlay file providing defaults. Scalar CLI flags take precedence over
// the file; --bind flags and positional interface arguments are added
// to the file's lists.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InterfaceConfig is one configured outgoing source address.
type InterfaceConfig struct {
	Addr   string `yaml:"addr"`
	Metric uint32 `yaml:"metric"`
}

// Config is the dispatcher's full runtime configuration.
type Config struct {
	Binds       []string          `yaml:"binds"`
	Interfaces  []InterfaceConfig `yaml:"interfaces"`
	LogLevel    string            `yaml:"log_level"`
	MetricsAddr string            `yaml:"metrics_addr"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
}

// DefaultBinds are the listen addresses used when neither the CLI nor
// the config file names any: loopback on both address families, port
// 1080.
var DefaultBinds = []string{"127.0.0.1:1080", "[::1]:1080"}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		IdleTimeout: 0,
	}
}

// Load reads path as a YAML overlay onto Default. An empty path returns
// Default() unmodified: the config file is optional, every setting also
// reachable from a flag.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate normalizes defaulted fields and rejects configurations the
// dispatcher cannot start with. Binds and Interfaces are checked by
// their own parsers (internal/addr, ParseInterfaceArg) at the call
// site, since the CLI builds those lists incrementally from flags.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error", "err":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle timeout must not be negative")
	}
	if len(c.Interfaces) == 0 {
		// Binds default on their own; interfaces do not — the CLI's
		// positional arguments are the only source of outgoing
		// addresses and an empty set is a fatal startup error.
		return errors.New("no addresses to dispatch")
	}
	return nil
}

// ParseInterfaceArg parses a positional "<host-address>@<metric>"
// argument into an InterfaceConfig, where metric is a positive decimal
// integer weight.
func ParseInterfaceArg(s string) (InterfaceConfig, error) {
	idx := strings.LastIndexByte(s, '@')
	if idx < 0 || idx == len(s)-1 {
		return InterfaceConfig{}, fmt.Errorf("invalid interface argument %q: want <host-address>@<metric>", s)
	}

	metric, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil || metric == 0 {
		return InterfaceConfig{}, fmt.Errorf("invalid interface argument %q: metric must be a positive integer", s)
	}

	return InterfaceConfig{Addr: s[:idx], Metric: uint32(metric)}, nil
}
