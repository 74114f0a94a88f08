package upgrade

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"matchbot/internal/config"
)

// Document is one upgrade configuration: a named, versioned, ordered
// sequence of steps. Documents are read-only inputs loaded fresh per
// invocation.
type Document struct {
	Version         string `json:"version"`
	Description     string `json:"description"`
	Target          string `json:"target"`
	UpgradeSequence []Step `json:"upgrade_sequence"`
}

type Step struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// ExecuteOrder is the sort key; equal values run in document order.
	ExecuteOrder int `json:"execute_order"`

	// RequiresRestart is advisory: it only feeds the report flag.
	RequiresRestart   bool `json:"requires_restart,omitempty"`
	RollbackSupported bool `json:"rollback_supported,omitempty"`

	SubSteps []SubStep `json:"sub_steps"`
}

type SubStep struct {
	Handler string         `json:"handler"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
}

// LoadDocument reads and strictly decodes an upgrade document (YAML or
// JSON). A malformed document fails here, before any handler runs.
func LoadDocument(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("upgrade: read %s: %w", path, err)
	}
	return ParseDocument(path, b)
}

func ParseDocument(path string, b []byte) (*Document, error) {
	jb, _, err := config.CoerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %s: %w", path, err)
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("upgrade: %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("upgrade: %s: trailing data", path)
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("upgrade: %s: %w", path, err)
	}
	return &doc, nil
}

func (d *Document) validate() error {
	if d.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(d.UpgradeSequence) == 0 {
		return fmt.Errorf("upgrade_sequence is empty")
	}
	seen := map[string]bool{}
	for i, s := range d.UpgradeSequence {
		if s.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("step %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if len(s.SubSteps) == 0 {
			return fmt.Errorf("step %q: sub_steps is empty", s.ID)
		}
		for j, sub := range s.SubSteps {
			if sub.Handler == "" {
				return fmt.Errorf("step %q: sub-step %d: handler is required", s.ID, j)
			}
		}
	}
	return nil
}
