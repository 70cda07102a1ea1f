package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// WorkspaceCredentials is one workspace's gateway token pair.
type WorkspaceCredentials struct {
	AppToken string `yaml:"app_token" json:"app_token"`
	BotToken string `yaml:"bot_token" json:"bot_token"`
}

// Workspaces maps workspace name to credentials.
type Workspaces map[string]WorkspaceCredentials

// Names returns workspace names in stable order.
func (w Workspaces) Names() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// workspacesSchema rejects entries with missing or empty tokens before
// they reach the supervisor.
const workspacesSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"required": ["app_token", "bot_token"],
		"properties": {
			"app_token": {"type": "string", "minLength": 1},
			"bot_token": {"type": "string", "minLength": 1}
		}
	}
}`

// LoadWorkspaces reads and validates the workspaces file. A missing file
// yields an empty map so the daemon can start before any workspace is
// configured.
func LoadWorkspaces(path string) (Workspaces, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Workspaces{}, nil
		}
		return nil, fmt.Errorf("read workspaces file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workspaces file: %w", err)
	}
	if err := validateWorkspaces(raw); err != nil {
		return nil, err
	}

	var ws Workspaces
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parse workspaces file: %w", err)
	}
	for name := range ws {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("workspaces file: empty workspace name")
		}
	}
	return ws, nil
}

func validateWorkspaces(raw map[string]any) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workspacesSchema))
	if err != nil {
		return fmt.Errorf("unmarshal workspaces schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workspaces.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("workspaces.json")
	if err != nil {
		return fmt.Errorf("compile workspaces schema: %w", err)
	}

	// Round-trip through JSON so yaml's map[string]any matches what the
	// validator expects (json.Number handling included).
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal workspaces for validation: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("unmarshal workspaces for validation: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid workspaces file: %w", err)
	}
	return nil
}
