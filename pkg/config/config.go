// Package config loads the kernel's YAML configuration and the agent
// definition files. Values unset in the file fall back to defaults; a few
// knobs can be overridden from the environment for deployment tweaks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emergent-labs/agora/pkg/contract"
)

// RateLimit configures one renewable resource.
type RateLimit struct {
	WindowSeconds int   `yaml:"window_seconds"`
	Capacity      int64 `yaml:"capacity"`
	Enabled       *bool `yaml:"enabled,omitempty"`
}

// IsEnabled defaults to true when the flag is omitted.
func (r RateLimit) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Window returns the rolling window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Contracts configures the permission engine.
type Contracts struct {
	DefaultWhenNull       string `yaml:"default_when_null"`
	DefaultOnMissing      string `yaml:"default_on_missing"`
	MaxPermissionDepth    int    `yaml:"max_permission_depth"`
	SandboxTimeoutSeconds int    `yaml:"sandbox_timeout_seconds"`
}

// AgentLoop configures the per-principal worker loop.
type AgentLoop struct {
	MinLoopDelay          Duration `yaml:"min_loop_delay"`
	MaxLoopDelay          Duration `yaml:"max_loop_delay"`
	ResourceCheckInterval Duration `yaml:"resource_check_interval"`
	MaxConsecutiveErrors  int      `yaml:"max_consecutive_errors"`
	ResourcesToCheck      []string `yaml:"resources_to_check"`
}

// Execution configures the scheduler.
type Execution struct {
	UseAutonomousLoops bool      `yaml:"use_autonomous_loops"`
	AgentLoop          AgentLoop `yaml:"agent_loop"`
}

// LLMCost prices one model per token.
type LLMCost struct {
	InputPerToken  int64 `yaml:"input_per_token"`
	OutputPerToken int64 `yaml:"output_per_token"`
}

// Costs maps operation names to flat scrip costs, with a nested llm
// section priced per token. The YAML shape is flat:
//
//	costs:
//	  write: 1
//	  invoke: 2
//	  llm:
//	    small: {input_per_token: 1, output_per_token: 2}
type Costs struct {
	Operations map[string]int64
	LLM        map[string]LLMCost
}

// UnmarshalYAML splits the llm submap from the flat operation costs.
func (c *Costs) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Operations = make(map[string]int64)
	for key, node := range raw {
		if key == "llm" {
			if err := node.Decode(&c.LLM); err != nil {
				return fmt.Errorf("config: costs.llm: %w", err)
			}
			continue
		}
		var amount int64
		if err := node.Decode(&amount); err != nil {
			return fmt.Errorf("config: costs.%s: %w", key, err)
		}
		c.Operations[key] = amount
	}
	return nil
}

// Duration is a yaml-parsable time.Duration ("100ms", "5s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level file shape.
type Config struct {
	RateLimiting map[string]RateLimit `yaml:"rate_limiting"`
	Contracts    Contracts            `yaml:"contracts"`
	Execution    Execution            `yaml:"execution"`
	Costs        Costs                `yaml:"costs"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Contracts: Contracts{
			DefaultWhenNull:       "creator_only",
			DefaultOnMissing:      contract.GenesisFreeware,
			MaxPermissionDepth:    10,
			SandboxTimeoutSeconds: 30,
		},
		Execution: Execution{
			AgentLoop: AgentLoop{
				MinLoopDelay:          Duration(100 * time.Millisecond),
				MaxLoopDelay:          Duration(5 * time.Second),
				ResourceCheckInterval: Duration(250 * time.Millisecond),
				MaxConsecutiveErrors:  5,
			},
		},
	}
}

// Load reads path, layers it over defaults, and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGORA_MAX_PERMISSION_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Contracts.MaxPermissionDepth = n
		}
	}
	if v := os.Getenv("AGORA_SANDBOX_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Contracts.SandboxTimeoutSeconds = n
		}
	}
	if v := os.Getenv("AGORA_DEFAULT_WHEN_NULL"); v != "" {
		c.Contracts.DefaultWhenNull = v
	}
}

func (c *Config) validate() error {
	if _, ok := contract.NativeByPolicy(c.Contracts.DefaultWhenNull); !ok {
		return fmt.Errorf("config: unknown contracts.default_when_null %q", c.Contracts.DefaultWhenNull)
	}
	if c.Contracts.MaxPermissionDepth <= 0 {
		return fmt.Errorf("config: contracts.max_permission_depth must be positive")
	}
	if c.Contracts.SandboxTimeoutSeconds <= 0 {
		return fmt.Errorf("config: contracts.sandbox_timeout_seconds must be positive")
	}
	for resource, limit := range c.RateLimiting {
		if limit.IsEnabled() && (limit.Capacity <= 0 || limit.WindowSeconds <= 0) {
			return fmt.Errorf("config: rate_limiting.%s needs positive capacity and window", resource)
		}
	}
	return nil
}

// ContractOptions converts the contracts section for the engine.
func (c *Config) ContractOptions() contract.Options {
	return contract.Options{
		Limits: contract.Limits{
			MaxDepth:    c.Contracts.MaxPermissionDepth,
			EvalTimeout: time.Duration(c.Contracts.SandboxTimeoutSeconds) * time.Second,
		},
		DefaultWhenNull:  c.Contracts.DefaultWhenNull,
		DefaultOnMissing: c.Contracts.DefaultOnMissing,
	}
}
