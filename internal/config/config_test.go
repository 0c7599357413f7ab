// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskd-org/taskd/internal/types"
)

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskd.yaml")
	body := `
bind: "0.0.0.0:9090"
log: json
constraints: /etc/taskd/constraints.yaml
nlu:
  backend: ollama
  model: llama3
  ollama_host: http://localhost:11434
compiler:
  confidence_floor: 0.7
  approval_cost_threshold: 10
  approval_risk_level: medium
  decision_timeout: 2h
  max_alternatives: 2
approval_timeout: 30m
sweep_interval: 10s
max_concurrent: 4
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Bind != "0.0.0.0:9090" || f.Log != "json" {
		t.Fatalf("unexpected server settings: %+v", f)
	}
	if f.NLU.Backend != "ollama" || f.NLU.Model != "llama3" {
		t.Fatalf("unexpected nlu settings: %+v", f.NLU)
	}
	if f.ApprovalTimeout.Std() != 30*time.Minute || f.SweepInterval.Std() != 10*time.Second || f.MaxConcurrent != 4 {
		t.Fatalf("unexpected timings: %+v", f)
	}

	cc := f.CompilerConfig()
	if cc.ConfidenceFloor != 0.7 {
		t.Fatalf("ConfidenceFloor = %v", cc.ConfidenceFloor)
	}
	if cc.ApprovalCostThreshold != 10 {
		t.Fatalf("ApprovalCostThreshold = %v", cc.ApprovalCostThreshold)
	}
	if cc.ApprovalRiskLevel != types.RiskMedium {
		t.Fatalf("ApprovalRiskLevel = %v", cc.ApprovalRiskLevel)
	}
	if cc.DecisionTimeout != 2*time.Hour || cc.MaxAlternatives != 2 {
		t.Fatalf("unexpected compiler config: %+v", cc)
	}
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestCompilerConfigDefaultsWhenUnset(t *testing.T) {
	var f File
	cc := f.CompilerConfig()
	if cc.ConfidenceFloor != 0.5 || cc.ApprovalRiskLevel != types.RiskHigh {
		t.Fatalf("expected documented defaults, got %+v", cc)
	}
}
