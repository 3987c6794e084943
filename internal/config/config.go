package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/numbering"
	"ncrtrack/internal/workflow"
)

const (
	ContainmentStrict  = "strict"
	ContainmentLenient = "lenient"

	DefaultTagSuggestionLimit = 12
	DefaultAdminPassword      = "admin123"
)

// Config models ncrtrack.yml.
type Config struct {
	Numbering struct {
		Allocator string `yaml:"allocator"`
	} `yaml:"numbering"`
	Workflow struct {
		ContainmentPolicy  string   `yaml:"containment_policy"`
		TagSuggestionLimit int      `yaml:"tag_suggestion_limit"`
		Sites              []string `yaml:"sites"`
	} `yaml:"workflow"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Bootstrap struct {
		Admin AdminSeed `yaml:"admin"`
	} `yaml:"bootstrap"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// AdminSeed describes the account created when the user table is empty. The
// password is never stored in the file; see NCRTRACK_ADMIN_PASSWORD.
type AdminSeed struct {
	Username   string `yaml:"username"`
	FullName   string `yaml:"full_name"`
	Email      string `yaml:"email"`
	Department string `yaml:"department"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ncr init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := numbering.New(c.Numbering.Allocator); err != nil {
		return fmt.Errorf("config.numbering.allocator: %w", err)
	}
	switch c.Workflow.ContainmentPolicy {
	case "", ContainmentStrict, ContainmentLenient:
	default:
		return fmt.Errorf("config.workflow.containment_policy must be %s or %s", ContainmentStrict, ContainmentLenient)
	}
	if c.Workflow.TagSuggestionLimit < 0 {
		return fmt.Errorf("config.workflow.tag_suggestion_limit must not be negative")
	}
	for i, site := range c.Workflow.Sites {
		if site == "" {
			return fmt.Errorf("config.workflow.sites[%d] is empty", i)
		}
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles[string(domain.RoleAdmin)]; !ok {
		return fmt.Errorf("config.rbac.roles must include %s", domain.RoleAdmin)
	}
	for roleID, role := range c.RBAC.Roles {
		if !domain.Role(roleID).Valid() {
			return fmt.Errorf("config.rbac.roles has unknown role %q", roleID)
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if c.Bootstrap.Admin.Username == "" {
		return fmt.Errorf("config.bootstrap.admin.username is required")
	}
	return nil
}

// Policy returns the section validation policy the config selects.
func (c *Config) Policy() workflow.Policy {
	return workflow.Policy{StrictContainment: c.Workflow.ContainmentPolicy != ContainmentLenient}
}

// TagLimit returns the configured tag suggestion limit, or the default.
func (c *Config) TagLimit() int {
	if c.Workflow.TagSuggestionLimit <= 0 {
		return DefaultTagSuggestionLimit
	}
	return c.Workflow.TagSuggestionLimit
}

// Permissions returns the permissions granted to role.
func (c *Config) Permissions(role domain.Role) []string {
	return c.RBAC.Roles[string(role)].Permissions
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ncrtrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections that are
// missing fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.RBAC.Roles = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.RBAC.Roles == nil {
		cfg.RBAC.Roles = Default().RBAC.Roles
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads the config at path when set, otherwise the workspace's
// ncrtrack.yml or the defaults.
func Resolve(workspace, path string) (*Config, error) {
	if path != "" {
		return FromFile(path)
	}
	return LoadOptional(workspace)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `numbering:
  # sequence draws from a dedicated counter; count numbers a record as count+1
  allocator: sequence

workflow:
  containment_policy: strict
  tag_suggestion_limit: 12
  sites: []

rbac:
  roles:
    admin:
      description: "Full access including user management"
      permissions: [ncr.create, ncr.read, ncr.update, ncr.assign, ncr.close, ncr.delete, comment.add, user.manage, events.read]
    qe:
      description: "Quality engineering, audits and closes NCRs"
      permissions: [ncr.create, ncr.read, ncr.update, ncr.assign, ncr.close, comment.add, events.read]
    ncr_owner:
      description: "Raises and works NCRs"
      permissions: [ncr.create, ncr.read, ncr.update, comment.add]
    mrb_team:
      description: "Material review board"
      permissions: [ncr.read, ncr.update, comment.add]

bootstrap:
  admin:
    username: admin
    full_name: System Administrator
    email: admin@company.com
    department: Quality
`
