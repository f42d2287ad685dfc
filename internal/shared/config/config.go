package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. TUNNELNET_PROXY_URL
const EnvPrefix = "TUNNELNET"

// LoadConfig loads configuration with CLI override support.
//
// Precedence, lowest first: defaults, config file, environment, overrides.
func LoadConfig[T any](configFile string, overrides map[string]interface{}) (*T, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tunnelnet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.tunnelnet")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// no file: defaults and environment only
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		if value != nil {
			v.Set(key, value)
		}
	}

	var config T
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// SaveConfig writes config as YAML, creating parent directories
func SaveConfig(configFile string, config interface{}) error {
	dir := filepath.Dir(configFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settings, err := toMap(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return v.WriteConfigAs(configFile)
}

// toMap flattens a tagged struct into the key space viper writes out
func toMap(config interface{}) (map[string]interface{}, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, err
	}
	settings := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy_url", "ws://localhost:8080")
	v.SetDefault("capabilities", []string{"tcp", "http", "https_tls1_2"})
	v.SetDefault("log_level", "info")
	v.SetDefault("root_ca_file", "")
	v.SetDefault("root_ca_secret", "")
	v.SetDefault("insecure_skip_verify", false)

	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_namespace", "Tunnelnet")
	v.SetDefault("metrics_region", "us-east-1")
	v.SetDefault("metrics_interval", "60s")
}
