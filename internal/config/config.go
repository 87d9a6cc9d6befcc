package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models authmatrix.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Audit struct {
		// DefaultPurgeDays schedules permanent_delete_at on soft deletes when
		// the caller does not pass an explicit value. 0 means never.
		DefaultPurgeDays int `yaml:"default_purge_days"`
	} `yaml:"audit"`
	Tasks struct {
		// ReviewHorizonDays is the due-date horizon for policy review
		// reminder tasks emitted on matrix activation.
		ReviewHorizonDays int `yaml:"review_horizon_days"`
	} `yaml:"tasks"`
	Reports struct {
		TopActors int `yaml:"top_actors"`
	} `yaml:"reports"`
	Workflow struct {
		// DocumentTypes is the closed set of approvable document types.
		DocumentTypes []string `yaml:"document_types"`
	} `yaml:"workflow"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tasks.ReviewHorizonDays < 0 {
		return fmt.Errorf("config.tasks.review_horizon_days must not be negative")
	}
	if c.Audit.DefaultPurgeDays < 0 {
		return fmt.Errorf("config.audit.default_purge_days must not be negative")
	}
	if c.Reports.TopActors <= 0 {
		return fmt.Errorf("config.reports.top_actors must be positive")
	}
	if len(c.Workflow.DocumentTypes) == 0 {
		return fmt.Errorf("config.workflow.document_types is required")
	}
	seen := map[string]bool{}
	for _, dt := range c.Workflow.DocumentTypes {
		if dt == "" {
			return fmt.Errorf("config.workflow.document_types contains an empty entry")
		}
		if seen[dt] {
			return fmt.Errorf("config.workflow.document_types lists %s twice", dt)
		}
		seen[dt] = true
	}
	return nil
}

// DocumentTypeAllowed reports whether dt is part of the configured catalog.
func (c *Config) DocumentTypeAllowed(dt string) bool {
	for _, t := range c.Workflow.DocumentTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "authmatrix.yml")
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Absent sections
// keep their defaults.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8088
  base_path: /v1
  jwt_secret: ""
  allow_legacy_actor_header: false

audit:
  default_purge_days: 0

tasks:
  review_horizon_days: 30

reports:
  top_actors: 5

workflow:
  document_types:
    - org-chart
    - job-description
    - job-offer
    - employment-contract
    - termination-notice
    - department-charter
`
