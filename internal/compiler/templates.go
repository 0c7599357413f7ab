// SPDX-License-Identifier: AGPL-3.0-or-later

package compiler

import (
	"fmt"

	"github.com/taskd-org/taskd/internal/nlu"
	"github.com/taskd-org/taskd/internal/types"
)

// stepsFor expands one classified intent into its plan steps. Templates are
// static per intent type; the entities only parameterize names and params,
// never the shape, which keeps compilation deterministic.
func stepsFor(entities nlu.Entities) []types.Step {
	target := entities.Target
	switch entities.IntentType {
	case "data_cleanup":
		return []types.Step{
			{
				Ordinal: 1, Name: "Scan records matching " + target, Action: "db.scan",
				Params: map[string]any{"target": target},
				Risk:   types.RiskLow, Reversible: true,
				EstimatedCost: 0.1, EstimatedSeconds: 30,
			},
			{
				Ordinal: 2, Name: "Archive matched records", Action: "db.archive",
				Params: map[string]any{"target": target}, DependsOn: []int{1},
				Risk: types.RiskMedium, Reversible: true, Critical: true,
				EstimatedCost: 0.5, EstimatedSeconds: 120,
			},
			{
				Ordinal: 3, Name: "Delete archived originals", Action: "record.delete",
				Params: map[string]any{"target": target}, DependsOn: []int{2},
				Risk: types.RiskHigh, Reversible: false, Critical: true,
				EstimatedCost: 0.2, EstimatedSeconds: 60,
			},
			{
				Ordinal: 4, Name: "Notify data owner", Action: "notify.send",
				Params: map[string]any{"template": "cleanup_summary"}, DependsOn: []int{3},
				Risk: types.RiskLow, Reversible: false,
				EstimatedCost: 0.01, EstimatedSeconds: 5,
			},
		}
	case "data_entry":
		return []types.Step{
			{
				Ordinal: 1, Name: "Validate input for " + target, Action: "record.validate",
				Params: map[string]any{"target": target},
				Risk:   types.RiskLow, Reversible: true,
				EstimatedCost: 0.05, EstimatedSeconds: 10,
			},
			{
				Ordinal: 2, Name: "Create " + target, Action: "record.create",
				Params: map[string]any{"target": target}, DependsOn: []int{1},
				Risk: types.RiskLow, Reversible: true, Critical: true,
				EstimatedCost: 0.1, EstimatedSeconds: 15,
			},
			{
				Ordinal: 3, Name: "Notify requester", Action: "notify.send",
				Params: map[string]any{"template": "record_created"}, DependsOn: []int{2},
				Risk: types.RiskLow, Reversible: false,
				EstimatedCost: 0.01, EstimatedSeconds: 5,
			},
		}
	case "notification":
		return []types.Step{
			{
				Ordinal: 1, Name: "Compose message", Action: "report.generate",
				Params: map[string]any{"target": target},
				Risk:   types.RiskLow, Reversible: true,
				EstimatedCost: 0.05, EstimatedSeconds: 10,
			},
			{
				Ordinal: 2, Name: "Send notification", Action: "notify.send",
				Params: map[string]any{"target": target}, DependsOn: []int{1},
				Risk: types.RiskLow, Reversible: false, Critical: true,
				EstimatedCost: 0.01, EstimatedSeconds: 5,
			},
		}
	case "reporting":
		return []types.Step{
			{
				Ordinal: 1, Name: "Gather data for " + target, Action: "db.scan",
				Params: map[string]any{"target": target},
				Risk:   types.RiskLow, Reversible: true,
				EstimatedCost: 0.2, EstimatedSeconds: 60,
			},
			{
				Ordinal: 2, Name: "Generate report", Action: "report.generate",
				Params: map[string]any{"target": target}, DependsOn: []int{1},
				Risk: types.RiskLow, Reversible: true, Critical: true,
				EstimatedCost: 0.3, EstimatedSeconds: 90,
			},
			{
				Ordinal: 3, Name: "Write report artifact", Action: "file.write",
				Params: map[string]any{"format": "pdf"}, DependsOn: []int{2},
				Risk: types.RiskLow, Reversible: true,
				EstimatedCost: 0.05, EstimatedSeconds: 10,
			},
			{
				Ordinal: 4, Name: "Distribute report", Action: "notify.send",
				Params: map[string]any{"template": "report_ready"}, DependsOn: []int{3},
				Risk: types.RiskLow, Reversible: false,
				EstimatedCost: 0.01, EstimatedSeconds: 5,
			},
		}
	case "integration":
		steps := []types.Step{
			{
				Ordinal: 1, Name: "Fetch from " + firstOr(entities.Integrations, "remote system"), Action: "http.call",
				Params: map[string]any{"direction": "pull"},
				Risk:   types.RiskMedium, Reversible: true,
				EstimatedCost: 0.5, EstimatedSeconds: 60,
			},
			{
				Ordinal: 2, Name: "Upsert " + target, Action: "record.update",
				Params: map[string]any{"target": target}, DependsOn: []int{1},
				Risk: types.RiskMedium, Reversible: true, Critical: true,
				EstimatedCost: 0.3, EstimatedSeconds: 60,
			},
			{
				Ordinal: 3, Name: "Notify on completion", Action: "notify.send",
				Params: map[string]any{"template": "sync_complete"}, DependsOn: []int{2},
				Risk: types.RiskLow, Reversible: false,
				EstimatedCost: 0.01, EstimatedSeconds: 5,
			},
		}
		return steps
	case "deployment":
		return []types.Step{
			{
				Ordinal: 1, Name: "Package " + target, Action: "file.write",
				Params: map[string]any{"target": target},
				Risk:   types.RiskLow, Reversible: true,
				EstimatedCost: 0.1, EstimatedSeconds: 30,
			},
			{
				Ordinal: 2, Name: "Deploy " + target, Action: "http.call",
				Params: map[string]any{"operation": "deploy"}, DependsOn: []int{1},
				Risk: types.RiskHigh, Reversible: false, Critical: true,
				EstimatedCost: 1.0, EstimatedSeconds: 180,
			},
			{
				Ordinal: 3, Name: "Verify deployment", Action: "http.call",
				Params: map[string]any{"operation": "healthcheck"}, DependsOn: []int{2},
				Risk: types.RiskLow, Reversible: true, Critical: true,
				EstimatedCost: 0.1, EstimatedSeconds: 30,
			},
			{
				Ordinal: 4, Name: "Announce release", Action: "notify.send",
				Params: map[string]any{"template": "release_notes"}, DependsOn: []int{3},
				Risk: types.RiskLow, Reversible: false,
				EstimatedCost: 0.01, EstimatedSeconds: 5,
			},
		}
	default:
		return []types.Step{
			{
				Ordinal: 1, Name: fmt.Sprintf("Analyze request %q", target), Action: "report.generate",
				Params: map[string]any{"target": target},
				Risk:   types.RiskLow, Reversible: true,
				EstimatedCost: 0.1, EstimatedSeconds: 30,
			},
			{
				Ordinal: 2, Name: "Execute request", Action: "http.call",
				Params: map[string]any{"target": target}, DependsOn: []int{1},
				Risk: types.RiskMedium, Reversible: false, Critical: true,
				EstimatedCost: 0.5, EstimatedSeconds: 120,
			},
			{
				Ordinal: 3, Name: "Notify requester", Action: "notify.send",
				Params: map[string]any{"template": "task_complete"}, DependsOn: []int{2},
				Risk: types.RiskLow, Reversible: false,
				EstimatedCost: 0.01, EstimatedSeconds: 5,
			},
		}
	}
}

func firstOr(items []string, fallback string) string {
	if len(items) > 0 {
		return items[0]
	}
	return fallback
}
