// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the optional taskd.yaml runtime configuration.
// Precedence is resolved by the CLI: explicit flags beat the file, the file
// beats built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskd-org/taskd/internal/compiler"
	"github.com/taskd-org/taskd/internal/paths"
	"github.com/taskd-org/taskd/internal/types"
)

// Duration decodes YAML scalars in time.ParseDuration syntax ("30m", "2h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// File mirrors the taskd.yaml layout. Zero values mean "not set".
type File struct {
	Bind        string `yaml:"bind"`
	Log         string `yaml:"log"`
	DataDir     string `yaml:"data_dir"`
	Constraints string `yaml:"constraints"`

	NLU struct {
		Backend    string `yaml:"backend"`
		Model      string `yaml:"model"`
		OllamaHost string `yaml:"ollama_host"`
	} `yaml:"nlu"`

	Compiler struct {
		ConfidenceFloor       float64  `yaml:"confidence_floor"`
		ApprovalCostThreshold float64  `yaml:"approval_cost_threshold"`
		ApprovalRiskLevel     string   `yaml:"approval_risk_level"`
		DecisionTimeout       Duration `yaml:"decision_timeout"`
		MaxAlternatives       int      `yaml:"max_alternatives"`
	} `yaml:"compiler"`

	ApprovalTimeout Duration `yaml:"approval_timeout"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	MaxConcurrent   int      `yaml:"max_concurrent"`
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	return paths.DataPath("taskd.yaml")
}

// Load reads and decodes the config file. A missing file at the default
// path is not an error; a missing explicit path is.
func Load(path string) (*File, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &f, nil
}

// CompilerConfig converts the file's compiler section into the compiler's
// policy snapshot, falling back to documented defaults per field.
func (f *File) CompilerConfig() compiler.Config {
	cfg := compiler.DefaultConfig()
	if f.Compiler.ConfidenceFloor > 0 {
		cfg.ConfidenceFloor = f.Compiler.ConfidenceFloor
	}
	if f.Compiler.ApprovalCostThreshold > 0 {
		cfg.ApprovalCostThreshold = f.Compiler.ApprovalCostThreshold
	}
	if f.Compiler.ApprovalRiskLevel != "" {
		cfg.ApprovalRiskLevel = types.ParseRiskLevel(f.Compiler.ApprovalRiskLevel)
	}
	if f.Compiler.DecisionTimeout > 0 {
		cfg.DecisionTimeout = f.Compiler.DecisionTimeout.Std()
	}
	if f.Compiler.MaxAlternatives > 0 {
		cfg.MaxAlternatives = f.Compiler.MaxAlternatives
	}
	return cfg
}
