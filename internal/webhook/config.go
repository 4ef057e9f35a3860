package webhook

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Command struct {
	Name             string   `yaml:"name" json:"name"`
	Aliases          []string `yaml:"aliases" json:"aliases,omitempty"`
	Description      string   `yaml:"description" json:"description"`
	TargetAgent      string   `yaml:"target_agent" json:"target_agent"`
	PromptTemplate   string   `yaml:"prompt_template" json:"prompt_template"`
	RequiresApproval bool     `yaml:"requires_approval" json:"requires_approval"`
}

// Config describes one webhook endpoint and the commands it accepts.
type Config struct {
	Name              string    `yaml:"name" json:"name"`
	Endpoint          string    `yaml:"endpoint" json:"endpoint"`
	Source            string    `yaml:"source" json:"source"`
	Description       string    `yaml:"description" json:"description"`
	TargetAgent       string    `yaml:"target_agent" json:"target_agent"`
	CommandPrefix     string    `yaml:"command_prefix" json:"command_prefix"`
	Commands          []Command `yaml:"commands" json:"commands"`
	DefaultCommand    string    `yaml:"default_command" json:"default_command"`
	RequiresSignature bool      `yaml:"requires_signature" json:"requires_signature"`
	SignatureHeader   string    `yaml:"signature_header" json:"signature_header"`
	SecretEnvVar      string    `yaml:"secret_env_var" json:"secret_env_var"`
}

// FindCommand matches name against command names and aliases, ignoring case.
func (c *Config) FindCommand(name string) *Command {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil
	}
	for i := range c.Commands {
		cmd := &c.Commands[i]
		if strings.ToLower(cmd.Name) == name {
			return cmd
		}
		for _, alias := range cmd.Aliases {
			if strings.ToLower(alias) == name {
				return cmd
			}
		}
	}
	return nil
}

func (c *Config) Default() *Command {
	return c.FindCommand(c.DefaultCommand)
}

// AgentFor returns the agent that should run cmd.
func (c *Config) AgentFor(cmd *Command) string {
	if cmd != nil && cmd.TargetAgent != "" {
		return cmd.TargetAgent
	}
	if c.TargetAgent != "" {
		return c.TargetAgent
	}
	return "brain"
}

type fileConfig struct {
	Webhooks []Config `yaml:"webhooks"`
}

// LoadConfigs returns the built-in configs merged with the webhooks defined
// in the YAML file at path. File entries replace built-ins of the same name.
// An empty path returns the built-ins.
func LoadConfigs(path string) ([]Config, error) {
	configs := BuiltinConfigs()
	if path == "" {
		return configs, validateAll(configs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook config %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse webhook config %s: %w", path, err)
	}

	for _, override := range file.Webhooks {
		replaced := false
		for i := range configs {
			if configs[i].Name == override.Name {
				configs[i] = override
				replaced = true
				break
			}
		}
		if !replaced {
			configs = append(configs, override)
		}
	}
	return configs, validateAll(configs)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("endpoint %q must start with /", c.Endpoint))
	}
	if len(c.Commands) == 0 {
		errs = append(errs, errors.New("at least one command is required"))
	}
	for _, cmd := range c.Commands {
		if cmd.Name == "" {
			errs = append(errs, errors.New("command name is required"))
		}
		if strings.TrimSpace(cmd.PromptTemplate) == "" {
			errs = append(errs, fmt.Errorf("command %q has no prompt template", cmd.Name))
		}
	}
	if c.DefaultCommand != "" && c.Default() == nil {
		errs = append(errs, fmt.Errorf("default command %q is not defined", c.DefaultCommand))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("webhook %q: %w", c.Name, err)
	}
	return nil
}

func validateAll(configs []Config) error {
	names := map[string]bool{}
	endpoints := map[string]bool{}
	var errs []error
	for i := range configs {
		cfg := &configs[i]
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
		}
		if names[cfg.Name] {
			errs = append(errs, fmt.Errorf("duplicate webhook name %q", cfg.Name))
		}
		if endpoints[cfg.Endpoint] {
			errs = append(errs, fmt.Errorf("duplicate webhook endpoint %q", cfg.Endpoint))
		}
		names[cfg.Name] = true
		endpoints[cfg.Endpoint] = true
	}
	return errors.Join(errs...)
}

func FindConfig(configs []Config, name string) (*Config, bool) {
	for i := range configs {
		if configs[i].Name == name {
			return &configs[i], true
		}
	}
	return nil, false
}
