// Package registry maps agent names to the streams they listen on.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Agent is one registry row.
type Agent struct {
	Name                 string   `json:"name"`
	Inbox                string   `json:"inbox"`
	Description          string   `json:"description,omitempty"`
	ConnectorType        string   `json:"connector_type,omitempty"`
	ConnectorDetails     any      `json:"connector_details,omitempty"`
	CapabilitiesKeywords []string `json:"capabilities_keywords"`
}

// UnknownAgentError is returned when a name has no registry entry.
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return "unknown agent: " + e.Name
}

// entry is the on-disk shape; the map key is the agent name.
type entry struct {
	TargetInbox          string   `json:"target_inbox"          yaml:"target_inbox"`
	Description          string   `json:"description"           yaml:"description"`
	ConnectorType        string   `json:"connector_type"        yaml:"connector_type"`
	ConnectorDetails     any      `json:"connector_details"     yaml:"connector_details"`
	CapabilitiesKeywords []string `json:"capabilities_keywords" yaml:"capabilities_keywords"`
}

type Registry struct {
	byName map[string]Agent
}

func New(agents ...Agent) *Registry {
	r := &Registry{byName: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		r.byName[a.Name] = a
	}
	return r
}

// Load reads a map-shaped registry file. Files ending in .yaml or .yml are
// parsed as YAML; anything else as JSON (comments allowed).
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	raw := make(map[string]entry)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	r := New()
	for name, e := range raw {
		if strings.TrimSpace(e.TargetInbox) == "" {
			return nil, fmt.Errorf("agent %s missing target_inbox", name)
		}
		r.byName[name] = Agent{
			Name:                 name,
			Inbox:                e.TargetInbox,
			Description:          e.Description,
			ConnectorType:        e.ConnectorType,
			ConnectorDetails:     e.ConnectorDetails,
			CapabilitiesKeywords: e.CapabilitiesKeywords,
		}
	}
	return r, nil
}

// Lookup returns the agent registered under name.
func (r *Registry) Lookup(name string) (Agent, error) {
	a, ok := r.byName[name]
	if !ok {
		return Agent{}, &UnknownAgentError{Name: name}
	}
	return a, nil
}

// Resolve returns the inbox stream for name.
func (r *Registry) Resolve(name string) (string, error) {
	a, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	return a.Inbox, nil
}

// List returns every agent sorted by name.
func (r *Registry) List() []Agent {
	out := make([]Agent, 0, len(r.byName))
	for _, a := range r.byName {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int { return len(r.byName) }
