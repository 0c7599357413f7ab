// SPDX-License-Identifier: AGPL-3.0-or-later

package constraint

import (
	"fmt"
	"os"
	"strings"

	"github.com/taskd-org/taskd/internal/types"
	"gopkg.in/yaml.v3"
)

// Load reads a constraint set from the YAML file at path. A missing file is
// not an error; it yields an empty set so a fresh install runs unconstrained.
func Load(path string) ([]types.Constraint, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read constraints: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML constraint document. Every entry must carry an id,
// name, type, and severity; duplicates by id are rejected.
func Parse(data []byte) ([]types.Constraint, error) {
	var payload struct {
		Constraints []types.Constraint `yaml:"constraints"`
	}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse constraints: %w", err)
	}
	seen := make(map[string]struct{}, len(payload.Constraints))
	for i, c := range payload.Constraints {
		if strings.TrimSpace(c.ID) == "" {
			return nil, fmt.Errorf("constraint %d: id required", i)
		}
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("constraint %s: name required", c.ID)
		}
		if !validType(c.Type) {
			return nil, fmt.Errorf("constraint %s: unknown type %q", c.ID, c.Type)
		}
		if !validSeverity(c.Severity) {
			return nil, fmt.Errorf("constraint %s: unknown severity %q", c.ID, c.Severity)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("constraint %s: duplicate id", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return payload.Constraints, nil
}

func validType(t types.ConstraintType) bool {
	switch t {
	case types.ConstraintBudget, types.ConstraintPermission, types.ConstraintPolicy,
		types.ConstraintCompliance, types.ConstraintTechnical, types.ConstraintRateLimit:
		return true
	}
	return false
}

func validSeverity(s types.Severity) bool {
	switch s {
	case types.SeverityAdvisory, types.SeverityWarning, types.SeverityBlocking:
		return true
	}
	return false
}
