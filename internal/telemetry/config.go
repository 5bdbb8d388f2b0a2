package telemetry

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentgate/internal/config"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	Enabled        bool            `koanf:"enabled"`
	ServiceName    string          `koanf:"service_name"`
	ServiceVersion string          `koanf:"service_version"`
	Endpoint       string          `koanf:"endpoint"`
	Insecure       bool            `koanf:"insecure"`
	SamplingRate   float64         `koanf:"sampling_rate"`
	ExportInterval config.Duration `koanf:"export_interval"`
}

// NewDefaultConfig returns telemetry defaults (disabled).
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ServiceName:    "agentgate",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SamplingRate:   1.0,
		ExportInterval: config.Duration(30 * time.Second),
	}
}

// Validate checks the telemetry config.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry enabled")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry enabled")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be in [0,1], got %v", c.SamplingRate)
	}
	return nil
}
