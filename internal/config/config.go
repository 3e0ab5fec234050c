package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
)

// Config models crewline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Limits   Limits          `yaml:"limits" json:"limits"`
	Gates    Gates           `yaml:"gates" json:"gates"`
	Tiers    Tiers           `yaml:"tiers" json:"tiers"`
	Store    Store           `yaml:"store" json:"store"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// Limits are the escalation bounds.
type Limits struct {
	TaskMaxAttempts  int `yaml:"task_max_attempts" json:"task_max_attempts"`
	BugMaxCycles     int `yaml:"bug_max_cycles" json:"bug_max_cycles"`
	ParseMaxAttempts int `yaml:"parse_max_attempts" json:"parse_max_attempts"`
	DebateMaxRounds  int `yaml:"debate_max_rounds" json:"debate_max_rounds"`
}

// Gates drives file classification for mutation checks.
type Gates struct {
	StatePaths     []string `yaml:"state_paths" json:"state_paths"`
	ProtectedPaths []string `yaml:"protected_paths" json:"protected_paths"`
	TestPatterns   []string `yaml:"test_patterns" json:"test_patterns"`
	DocsExtensions []string `yaml:"docs_extensions" json:"docs_extensions"`
	// ImplementationRoles lists the roles whose spawn needs an approved spec.
	// Empty means the built-in role table decides.
	ImplementationRoles []string `yaml:"implementation_roles" json:"implementation_roles,omitempty"`
}

// Tiers tunes tier detection.
type Tiers struct {
	MinimalKeywords []string `yaml:"minimal_keywords" json:"minimal_keywords"`
	FullKeywords    []string `yaml:"full_keywords" json:"full_keywords"`
	FullFiles       int      `yaml:"full_files" json:"full_files"`
	FullLines       int      `yaml:"full_lines" json:"full_lines"`
	MinimalLines    int      `yaml:"minimal_lines" json:"minimal_lines"`
}

type Store struct {
	BusyRetries    int `yaml:"busy_retries" json:"busy_retries"`
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with crew project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	limits := map[string]int{
		"task_max_attempts":  c.Limits.TaskMaxAttempts,
		"bug_max_cycles":     c.Limits.BugMaxCycles,
		"parse_max_attempts": c.Limits.ParseMaxAttempts,
		"debate_max_rounds":  c.Limits.DebateMaxRounds,
	}
	for name, v := range limits {
		if v < 1 {
			return fmt.Errorf("config.limits.%s must be at least 1", name)
		}
	}
	if len(c.Gates.StatePaths) == 0 {
		return fmt.Errorf("config.gates.state_paths is required")
	}
	for _, group := range [][]string{c.Gates.StatePaths, c.Gates.ProtectedPaths, c.Gates.TestPatterns} {
		for _, p := range group {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("config.gates contains an empty pattern")
			}
		}
	}
	for _, ext := range c.Gates.DocsExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("config.gates.docs_extensions entry %q must start with a dot", ext)
		}
	}
	for _, name := range c.Gates.ImplementationRoles {
		if _, err := domain.ParseRole(name); err != nil {
			return fmt.Errorf("config.gates.implementation_roles: %w", err)
		}
	}
	if c.Tiers.FullFiles < 1 || c.Tiers.FullLines < 1 || c.Tiers.MinimalLines < 0 {
		return fmt.Errorf("config.tiers thresholds must be positive")
	}
	if c.Tiers.MinimalLines >= c.Tiers.FullLines {
		return fmt.Errorf("config.tiers.minimal_lines must be below full_lines")
	}
	if c.Store.BusyRetries < 0 || c.Store.TimeoutSeconds < 0 {
		return fmt.Errorf("config.store values cannot be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ImplementingRole reports whether spawning role needs an approved spec.
func (c *Config) ImplementingRole(role domain.Role) bool {
	if len(c.Gates.ImplementationRoles) == 0 {
		return role.Spec().Implements
	}
	for _, name := range c.Gates.ImplementationRoles {
		if r, err := domain.ParseRole(name); err == nil && r == role {
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
	return filepath.Join(workspace, "crewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Sections missing from the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
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

const defaultTemplate = `project:
  id: %s

limits:
  task_max_attempts: 3
  bug_max_cycles: 3
  parse_max_attempts: 3
  debate_max_rounds: 2

gates:
  state_paths:
    - .crewline/
  protected_paths:
    - .claude/
    - .github/
    - CLAUDE.md
    - AGENTS.md
    - crewline.yml
  test_patterns:
    - "*_test.go"
    - "test_*.py"
    - "*_test.py"
    - "*.test.ts"
    - "*.spec.ts"
    - "*.test.js"
    - "*.spec.js"
    - tests/
    - __tests__/
    - testdata/
  docs_extensions: [.md, .txt, .rst, .adoc]

tiers:
  minimal_keywords: [typo, rename, comment, docs, readme, bump, formatting, wording, one-line]
  full_keywords: [architecture, redesign, rewrite, migration, migrate, security, authentication, distributed, multi-service, schema]
  full_files: 8
  full_lines: 500
  minimal_lines: 30

store:
  busy_retries: 5
  timeout_seconds: 30
`
