package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agora.yml.
type Config struct {
	Process struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"process"`
	Defaults struct {
		// Variables seed selection-pipeline variable resolution; phase
		// settings and instance field values override them.
		Variables map[string]any `yaml:"variables"`
	} `yaml:"defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with agora process config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Process.ID == "" {
		return fmt.Errorf("config.process.id is required")
	}
	if c.Process.Kind != "decision-process" {
		return fmt.Errorf("config.process.kind must be 'decision-process'")
	}
	for name, v := range c.Defaults.Variables {
		if name == "" {
			return fmt.Errorf("config.defaults.variables contains empty name")
		}
		switch v.(type) {
		case int, int64, float64, string, bool:
		default:
			return fmt.Errorf("variable %s must be a scalar", name)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d missing url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agora.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(processID string) string {
	return fmt.Sprintf(defaultTemplate, processID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a process.
func Default(processID string) *Config {
	var cfg Config
	cfg.Process.ID = processID
	cfg.Process.Kind = "decision-process"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, processID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `process:
  id: %s
  kind: decision-process

defaults:
  variables:
    maxVotesPerMember: 3
    maxProposalsPerAuthor: 5
    quorum: 20
`
