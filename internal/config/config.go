package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Phases drive how derived-view drift is reported.
const (
	PhaseTransition = "transition" // drift is a warning
	PhaseEnforce    = "enforce"    // drift is an error
)

// Config models laneline.yml.
type Config struct {
	Phase  string `yaml:"phase"`
	Doctor struct {
		StaleClaimedHours    int `yaml:"stale_claimed_hours"`
		StaleInProgressHours int `yaml:"stale_in_progress_hours"`
	} `yaml:"doctor"`
	Migration struct {
		Actor         string `yaml:"actor"`
		VersionMarker string `yaml:"version_marker"`
	} `yaml:"migration"`
	Outbox struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"outbox"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "laneline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Phase != PhaseTransition && c.Phase != PhaseEnforce {
		return fmt.Errorf("config.phase must be %q or %q", PhaseTransition, PhaseEnforce)
	}
	if c.Doctor.StaleClaimedHours <= 0 {
		return fmt.Errorf("config.doctor.stale_claimed_hours must be positive")
	}
	if c.Doctor.StaleInProgressHours <= 0 {
		return fmt.Errorf("config.doctor.stale_in_progress_hours must be positive")
	}
	if c.Migration.Actor == "" {
		return fmt.Errorf("config.migration.actor is required")
	}
	if c.Migration.VersionMarker == "" {
		return fmt.Errorf("config.migration.version_marker is required")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Phase = PhaseTransition
	cfg.Doctor.StaleClaimedHours = 24
	cfg.Doctor.StaleInProgressHours = 72
	cfg.Migration.Actor = "migration"
	cfg.Migration.VersionMarker = "status-migration/v2"
	cfg.Outbox.Enabled = true
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `phase: transition

doctor:
  stale_claimed_hours: 24
  stale_in_progress_hours: 72

migration:
  actor: migration
  version_marker: status-migration/v2

outbox:
  enabled: true
`
