package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// AgentDef declares one principal to seed at startup.
type AgentDef struct {
	ID         string           `yaml:"id" json:"id"`
	Type       string           `yaml:"type" json:"type"`
	Scrip      int64            `yaml:"scrip" json:"scrip"`
	Contract   string           `yaml:"contract" json:"contract"`
	Autonomous bool             `yaml:"autonomous" json:"autonomous"`
	Resources  map[string]int64 `yaml:"resources" json:"resources"`
	Content    map[string]any   `yaml:"content" json:"content"`
}

// AgentsFile is the --agents YAML shape.
type AgentsFile struct {
	Agents []AgentDef `yaml:"agents" json:"agents"`
}

// agentsSchema rejects malformed definitions before any principal is
// created; a typo in an agent file should fail startup, not mint a
// half-configured agent.
const agentsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agents"],
  "properties": {
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "pattern": "^[^\\s]+$"},
          "type": {"type": "string"},
          "scrip": {"type": "integer", "minimum": 0},
          "contract": {"type": "string"},
          "autonomous": {"type": "boolean"},
          "resources": {
            "type": "object",
            "additionalProperties": {"type": "integer", "minimum": 0}
          },
          "content": {"type": "object"}
        },
        "additionalProperties": false
      }
    }
  }
}`

var agentsSchemaCompiled = jsonschema.MustCompileString("agents.schema.json", agentsSchema)

// LoadAgents reads and validates an agent definition file.
func LoadAgents(path string) ([]AgentDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read agents %s: %w", path, err)
	}
	return ParseAgents(data)
}

// ParseAgents validates the YAML against the schema, then decodes it.
func ParseAgents(data []byte) ([]AgentDef, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("config: parse agents: %w", err)
	}
	if err := agentsSchemaCompiled.Validate(normalizeYAML(generic)); err != nil {
		return nil, fmt.Errorf("config: invalid agents file: %w", err)
	}

	var file AgentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: decode agents: %w", err)
	}

	seen := make(map[string]bool)
	for _, a := range file.Agents {
		if seen[a.ID] {
			return nil, fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if strings.HasPrefix(a.ID, "genesis_") {
			return nil, fmt.Errorf("config: agent id %q uses the reserved prefix", a.ID)
		}
	}
	return file.Agents, nil
}

// normalizeYAML converts yaml.v3's map[string]any trees into the
// json-compatible shapes the schema validator expects. yaml.v3 already
// produces string-keyed maps for mappings; only nested non-string keys
// need rewriting.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	case int:
		return int64(t)
	default:
		return v
	}
}
