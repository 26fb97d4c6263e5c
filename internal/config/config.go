package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models stitchflow.yml: the stage template catalog per workflow type
// plus optional webhook targets. Templates are seeded into the database at
// startup and are read-only to the workflow engine afterwards.
type Config struct {
	Workflows map[string]WorkflowTypeConfig `yaml:"workflows"`
	Webhooks  []WebhookConfig               `yaml:"webhooks,omitempty"`
}

type WorkflowTypeConfig struct {
	Description string        `yaml:"description,omitempty"`
	Stages      []StageConfig `yaml:"stages"`
}

type StageConfig struct {
	Name                string `yaml:"name"`
	Order               int    `yaml:"order"`
	Description         string `yaml:"description,omitempty"`
	DefaultAssigneeRole string `yaml:"default_assignee_role,omitempty"`
	EstimatedHours      int    `yaml:"estimated_hours,omitempty"`
	Inactive            bool   `yaml:"inactive,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// DefaultWorkflowType is the built-in sample-development sequence.
const DefaultWorkflowType = "sample_development"

// Validate ensures the template catalog is usable: every workflow type needs
// at least one stage, and stage names/orders must be unique within a type.
func (c *Config) Validate() error {
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	for wfType, wf := range c.Workflows {
		if wfType == "" {
			return fmt.Errorf("config.workflows contains empty workflow type")
		}
		if len(wf.Stages) == 0 {
			return fmt.Errorf("workflow type %s has no stages", wfType)
		}
		names := map[string]bool{}
		orders := map[int]bool{}
		for _, s := range wf.Stages {
			if s.Name == "" {
				return fmt.Errorf("workflow type %s has a stage with empty name", wfType)
			}
			if s.Order <= 0 {
				return fmt.Errorf("stage %s of %s: order must be positive", s.Name, wfType)
			}
			if names[s.Name] {
				return fmt.Errorf("workflow type %s: duplicate stage name %s", wfType, s.Name)
			}
			if orders[s.Order] {
				return fmt.Errorf("workflow type %s: duplicate stage order %d", wfType, s.Order)
			}
			names[s.Name] = true
			orders[s.Order] = true
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stitchflow.yml")
}

// Load reads and validates config from a workspace, falling back to the
// built-in defaults when no file exists.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
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

// Default returns the built-in config with the standard sample-development
// stages.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML, for `sf template init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workflows:
  sample_development:
    description: "Sample development from design approval to finishing"
    stages:
      - name: "Design Approval"
        order: 1
        description: "Review and approve the sample design with the buyer"
        default_assignee_role: approver
        estimated_hours: 24
      - name: "Assign Designer"
        order: 2
        description: "Hand the approved design to a designer"
        default_assignee_role: designer
        estimated_hours: 8
      - name: "Programming"
        order: 3
        description: "Create the knitting machine program"
        default_assignee_role: programmer
        estimated_hours: 16
      - name: "Supervisor Knitting"
        order: 4
        description: "Knit the sample under supervision"
        default_assignee_role: knitting_supervisor
        estimated_hours: 48
      - name: "Supervisor Finishing"
        order: 5
        description: "Linking, washing, pressing and final QC"
        default_assignee_role: finishing_supervisor
        estimated_hours: 24
`
