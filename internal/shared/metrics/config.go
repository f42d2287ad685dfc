package metrics

import (
	"fmt"
	"time"
)

// Config holds CloudWatch metrics configuration
type Config struct {
	// Region is the AWS region for CloudWatch
	Region string

	// Namespace is the CloudWatch namespace for custom metrics
	Namespace string

	// Proxy is recorded as the Proxy dimension on every datum
	Proxy string

	// EmitInterval is how often to emit metrics
	EmitInterval time.Duration

	Enabled bool
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Region == "" {
		return fmt.Errorf("metrics_region is required when metrics are enabled")
	}

	if c.Namespace == "" {
		return fmt.Errorf("metrics_namespace is required when metrics are enabled")
	}

	if c.EmitInterval < 10*time.Second {
		return fmt.Errorf("metrics_interval must be at least 10 seconds")
	}

	return nil
}
