// SPDX-License-Identifier: AGPL-3.0-or-later

package simulate

import (
	"context"

	"github.com/taskd-org/taskd/internal/types"
)

// Built-in strategies for the action families the compiler emits. Family
// keys ("record.*") catch every operation in the family unless a more
// specific strategy is registered.
func registerBuiltins(s *Simulator) {
	s.Register("record.*", recordStrategy)
	s.Register("record.delete", recordDeleteStrategy)
	s.Register("db.*", dbStrategy)
	s.Register("notify.*", notifyStrategy)
	s.Register("http.*", httpStrategy)
	s.Register("report.*", reportStrategy)
	s.Register("file.*", fileStrategy)
}

func paramInt(step types.Step, key string, fallback int) int {
	switch v := step.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func recordStrategy(_ context.Context, step types.Step) (Prediction, error) {
	count := paramInt(step, "count", 1)
	pred := Prediction{
		SuccessProbability: 0.95,
		Reversible:         true,
	}
	switch step.Action {
	case "record.create":
		pred.RecordsCreated = count
	default:
		pred.RecordsModified = count
		pred.FailureModes = []string{"record not found", "concurrent modification"}
	}
	return pred, nil
}

func recordDeleteStrategy(_ context.Context, step types.Step) (Prediction, error) {
	count := paramInt(step, "count", 1)
	return Prediction{
		SuccessProbability: 0.9,
		RecordsDeleted:     count,
		Reversible:         step.Reversible,
		FailureModes:       []string{"record referenced by other entities"},
		SideEffects:        []string{"records removed from primary store"},
	}, nil
}

func dbStrategy(_ context.Context, step types.Step) (Prediction, error) {
	pred := Prediction{
		SuccessProbability: 0.9,
		Reversible:         true,
		FailureModes:       []string{"query timeout"},
	}
	if step.Action == "db.archive" {
		pred.RecordsModified = paramInt(step, "count", 0)
		pred.SideEffects = []string{"records moved to archive storage"}
	}
	return pred, nil
}

func notifyStrategy(_ context.Context, step types.Step) (Prediction, error) {
	return Prediction{
		SuccessProbability: 0.98,
		// A sent notification cannot be unsent.
		Reversible:      false,
		ExternalSystems: []string{"notification gateway"},
		SideEffects:     []string{"outbound notification delivered"},
		FailureModes:    []string{"recipient unreachable"},
	}, nil
}

func httpStrategy(_ context.Context, step types.Step) (Prediction, error) {
	return Prediction{
		SuccessProbability: 0.85,
		Reversible:         step.Reversible,
		ExternalSystems:    []string{"remote API"},
		Credentials:        []string{"api_token"},
		FailureModes:       []string{"remote timeout", "rate limited", "auth failure"},
	}, nil
}

func reportStrategy(_ context.Context, _ types.Step) (Prediction, error) {
	return Prediction{
		SuccessProbability: 0.97,
		Reversible:         true,
	}, nil
}

func fileStrategy(_ context.Context, step types.Step) (Prediction, error) {
	return Prediction{
		SuccessProbability: 0.95,
		Reversible:         step.Reversible,
		SideEffects:        []string{"file written to workspace"},
	}, nil
}
