package client

import (
	"fmt"
	"net/url"
	"time"

	"tunnelnet/internal/capability"
	"tunnelnet/internal/shared/config"
)

// Config holds client configuration
type Config struct {
	ProxyURL           string   `mapstructure:"proxy_url" yaml:"proxy_url"`
	Capabilities       []string `mapstructure:"capabilities" yaml:"capabilities"`
	LogLevel           string   `mapstructure:"log_level" yaml:"log_level"`
	RootCAFile         string   `mapstructure:"root_ca_file" yaml:"root_ca_file"`
	RootCASecret       string   `mapstructure:"root_ca_secret" yaml:"root_ca_secret"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	MetricsEnabled   bool          `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsNamespace string        `mapstructure:"metrics_namespace" yaml:"metrics_namespace"`
	MetricsRegion    string        `mapstructure:"metrics_region" yaml:"metrics_region"`
	MetricsInterval  time.Duration `mapstructure:"metrics_interval" yaml:"metrics_interval"`
}

// LoadConfig reads a client config from file, environment and overrides
func LoadConfig(configFile string, overrides map[string]interface{}) (*Config, error) {
	return config.LoadConfig[Config](configFile, overrides)
}

// Validate checks the proxy URL and capability names
func (c *Config) Validate() error {
	u, err := url.Parse(c.ProxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy_url %q: %w", c.ProxyURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("proxy_url must use ws:// or wss://, got %q", c.ProxyURL)
	}
	if u.Host == "" {
		return fmt.Errorf("proxy_url %q has no host", c.ProxyURL)
	}

	for _, name := range c.Capabilities {
		if _, err := capability.Parse(name); err != nil {
			return fmt.Errorf("capabilities: %w", err)
		}
	}
	return nil
}

// CapabilitySet returns the configured capabilities, or the default set when
// none are configured
func (c *Config) CapabilitySet() capability.Set {
	if c.Capabilities == nil {
		return capability.DefaultSet()
	}
	return capability.ParseSet(c.Capabilities)
}

// ProxyHost returns the host of the proxy URL
func (c *Config) ProxyHost() string {
	u, err := url.Parse(c.ProxyURL)
	if err != nil {
		return ""
	}
	return u.Host
}
