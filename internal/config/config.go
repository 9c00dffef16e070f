// Package config loads the agent configuration from defaults, an optional YAML
// file and CARD_AGENT_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 32146
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultSharingRetries    = 3
	DefaultSharingRetryDelay = 150 * time.Millisecond

	// MinPollInterval keeps the poller from saturating the PC/SC service.
	MinPollInterval = 100 * time.Millisecond
)

// Config holds the agent runtime configuration.
type Config struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	Reader            string        `yaml:"reader"` // preferred reader for the presence monitor
	SharingRetries    int           `yaml:"sharing_retries"`
	SharingRetryDelay time.Duration `yaml:"sharing_retry_delay"`

	// Path is the config file that was loaded, empty when none.
	Path string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		PollInterval:      DefaultPollInterval,
		SharingRetries:    DefaultSharingRetries,
		SharingRetryDelay: DefaultSharingRetryDelay,
	}
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load builds the configuration. path may be empty, in which case
// CARD_AGENT_CONFIG is consulted; a missing file is only an error when a path
// was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("CARD_AGENT_CONFIG")
		explicit = path != ""
	}
	if path != "" {
		if err := cfg.loadFile(path, explicit); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	content, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	c.Path = expanded
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("CARD_AGENT_HOST"); ok && v != "" {
		c.Host = v
	}
	if v, ok := os.LookupEnv("CARD_AGENT_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CARD_AGENT_PORT has invalid value %q: %w", v, err)
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv("CARD_AGENT_POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CARD_AGENT_POLL_INTERVAL has invalid duration %q: %w", v, err)
		}
		c.PollInterval = d
	}
	if v, ok := os.LookupEnv("CARD_AGENT_READER"); ok {
		c.Reader = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("CARD_AGENT_SHARING_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CARD_AGENT_SHARING_RETRIES has invalid value %q: %w", v, err)
		}
		c.SharingRetries = n
	}
	if v, ok := os.LookupEnv("CARD_AGENT_SHARING_RETRY_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CARD_AGENT_SHARING_RETRY_DELAY has invalid duration %q: %w", v, err)
		}
		c.SharingRetryDelay = d
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("config.host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config.port must be 1..65535, got %d", c.Port)
	}
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("config.poll_interval must be at least %s, got %s", MinPollInterval, c.PollInterval)
	}
	if c.SharingRetries < 0 {
		return fmt.Errorf("config.sharing_retries must be >= 0")
	}
	if c.SharingRetryDelay < 0 {
		return fmt.Errorf("config.sharing_retry_delay must be >= 0")
	}
	return nil
}
