package config

import (
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration. Every field can come from
// the YAML config file and be overridden by a CLI flag.
type Config struct {
	Adapter         string `yaml:"adapter"`
	APIBaseURL      string `yaml:"api_base_url"`
	DeviceName      string `yaml:"device_name"`
	PairingRequired bool   `yaml:"pairing_required"`
	Discoverable    bool   `yaml:"discoverable"`
	MonitorAddr     string `yaml:"monitor_addr"`
	LogLevel        string `yaml:"log_level"`

	LivenessAttempts int           `yaml:"liveness_attempts"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Adapter:          "hci0",
		APIBaseURL:       "http://127.0.0.1:8000",
		DeviceName:       "tsOS tracking station",
		Discoverable:     true,
		LogLevel:         "debug",
		LivenessAttempts: 30,
		LivenessInterval: 2 * time.Second,
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}
	return cfg, nil
}

// Validate checks the fields that would otherwise fail deep inside
// the gateway.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("api_base_url is required")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return errors.Wrap(err, "api_base_url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("api_base_url must be http or https, got %q", u.Scheme)
	}
	if c.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if c.LivenessAttempts < 1 {
		return errors.New("liveness_attempts must be at least 1")
	}
	return nil
}
