// Package config provides configuration loading for agentgate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for the gateway.
type Config struct {
	// StateDir is where the registry, grants table, credential store and
	// audit ledger persist. Created with 0700 on startup.
	StateDir string `koanf:"state_dir"`

	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Vault         VaultConfig         `koanf:"vault"`
	Governor      GovernorConfig      `koanf:"governor"`
	Sandbox       SandboxConfig       `koanf:"sandbox"`
	SIEM          SIEMConfig          `koanf:"siem"`
	Audit         AuditConfig         `koanf:"audit"`
	Server        ServerConfig        `koanf:"server"`
}

// LoggingConfig mirrors internal/logging.Config knobs exposed in YAML.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig controls OTLP export.
type ObservabilityConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Insecure     bool   `koanf:"insecure"`
}

// VaultConfig controls the credential vault.
type VaultConfig struct {
	// MasterKey is the age X25519 identity guarding the credential store.
	// Supplied via the VAULT_MASTER_KEY environment variable in production.
	MasterKey Secret `koanf:"master_key"`
	// ApprovalWindow bounds how long an injection approval stays valid.
	ApprovalWindow Duration `koanf:"approval_window"`
}

// GovernorConfig controls rate limiting and circuit breaking.
type GovernorConfig struct {
	DefaultCapacity   float64       `koanf:"default_capacity"`
	DefaultRefillRate float64       `koanf:"default_refill_rate"`
	BurstMultiplier   float64       `koanf:"burst_multiplier"`
	Breaker           BreakerConfig `koanf:"breaker"`
}

// BreakerConfig controls per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold   int      `koanf:"failure_threshold"`
	ErrorRateThreshold float64  `koanf:"error_rate_threshold"`
	Window             Duration `koanf:"window"`
	Cooldown           Duration `koanf:"cooldown"`
}

// SandboxConfig holds default execution limits.
type SandboxConfig struct {
	MaxCPUPercent  float64  `koanf:"max_cpu_percent"`
	MaxMemoryMB    int64    `koanf:"max_memory_mb"`
	MaxDuration    Duration `koanf:"max_duration"`
	MaxConnections int      `koanf:"max_connections"`
	SampleInterval Duration `koanf:"sample_interval"`
}

// SIEMConfig controls behavioral monitoring.
type SIEMConfig struct {
	WarmupSamples    int      `koanf:"warmup_samples"`
	AnomalyThreshold float64  `koanf:"anomaly_threshold"`
	SampleInterval   Duration `koanf:"sample_interval"`
}

// AuditConfig controls the audit ledger.
type AuditConfig struct {
	Path string `koanf:"path"`
}

// ServerConfig controls the metrics listener.
type ServerConfig struct {
	MetricsAddr     string   `koanf:"metrics_addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns the hardcoded defaults applied before YAML and
// environment overrides.
func NewDefaultConfig() *Config {
	return &Config{
		StateDir: defaultStateDir(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Enabled:      false,
			ServiceName:  "agentgate",
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
		},
		Vault: VaultConfig{
			ApprovalWindow: Duration(5 * time.Minute),
		},
		Governor: GovernorConfig{
			DefaultCapacity:   40,
			DefaultRefillRate: 20,
			BurstMultiplier:   3.0,
			Breaker: BreakerConfig{
				FailureThreshold:   5,
				ErrorRateThreshold: 0.5,
				Window:             Duration(5 * time.Minute),
				Cooldown:           Duration(60 * time.Second),
			},
		},
		Sandbox: SandboxConfig{
			MaxCPUPercent:  50,
			MaxMemoryMB:    512,
			MaxDuration:    Duration(300 * time.Second),
			MaxConnections: 10,
			SampleInterval: Duration(100 * time.Millisecond),
		},
		SIEM: SIEMConfig{
			WarmupSamples:    20,
			AnomalyThreshold: 2.0,
			SampleInterval:   Duration(5 * time.Second),
		},
		Audit: AuditConfig{
			Path: "", // resolved under StateDir when empty
		},
		Server: ServerConfig{
			MetricsAddr:     ":9464",
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgate"
	}
	return filepath.Join(home, ".config", "agentgate")
}

// AuditPath resolves the audit ledger location.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.StateDir, "audit.jsonl")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Vault.ApprovalWindow.Duration() <= 0 {
		return fmt.Errorf("vault approval_window must be > 0")
	}
	if c.Governor.DefaultCapacity <= 0 {
		return fmt.Errorf("governor default_capacity must be > 0")
	}
	if c.Governor.DefaultRefillRate <= 0 {
		return fmt.Errorf("governor default_refill_rate must be > 0")
	}
	if c.Governor.BurstMultiplier < 1 {
		return fmt.Errorf("governor burst_multiplier must be >= 1, got %v", c.Governor.BurstMultiplier)
	}
	if c.Governor.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be > 0")
	}
	if c.Governor.Breaker.ErrorRateThreshold <= 0 || c.Governor.Breaker.ErrorRateThreshold > 1 {
		return fmt.Errorf("breaker error_rate_threshold must be in (0,1], got %v", c.Governor.Breaker.ErrorRateThreshold)
	}
	if c.Governor.Breaker.Cooldown.Duration() <= 0 {
		return fmt.Errorf("breaker cooldown must be > 0")
	}
	if c.Sandbox.MaxDuration.Duration() <= 0 {
		return fmt.Errorf("sandbox max_duration must be > 0")
	}
	if c.Sandbox.SampleInterval.Duration() <= 0 {
		return fmt.Errorf("sandbox sample_interval must be > 0")
	}
	if c.SIEM.WarmupSamples < 2 {
		return fmt.Errorf("siem warmup_samples must be >= 2, got %d", c.SIEM.WarmupSamples)
	}
	if c.SIEM.AnomalyThreshold <= 0 {
		return fmt.Errorf("siem anomaly_threshold must be > 0")
	}
	return nil
}
