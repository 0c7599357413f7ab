// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Built-in tools for the action families the compiler emits. They stand in
// for the external collaborators behind the dispatcher contract; deployments
// replace them per family with Register.
func registerBuiltins(d *Dispatcher) {
	d.Register("record", recordTool{})
	d.Register("db", dbTool{})
	d.Register("notify", notifyTool{})
	d.Register("http", httpTool{})
	d.Register("report", reportTool{})
	d.Register("file", fileTool{})
}

type recordTool struct{}

func (recordTool) Invoke(_ context.Context, operation string, params map[string]any) (Result, error) {
	switch operation {
	case "create":
		id := uuid.NewString()
		return Result{
			Output:   map[string]any{"record_id": id, "created": true},
			Rollback: map[string]any{"operation": "record.delete", "record_id": id},
		}, nil
	case "update", "validate", "merge":
		return Result{
			Output:   map[string]any{"operation": operation, "target": params["target"], "ok": true},
			Rollback: map[string]any{"operation": "record.restore", "target": params["target"]},
		}, nil
	case "delete":
		return Result{
			Output: map[string]any{"deleted": true, "target": params["target"]},
		}, nil
	default:
		return Result{}, &CallError{
			Tool: "record", Operation: operation, Kind: KindInvalid,
			Err: fmt.Errorf("unsupported operation"),
		}
	}
}

type dbTool struct{}

func (dbTool) Invoke(_ context.Context, operation string, params map[string]any) (Result, error) {
	switch operation {
	case "scan":
		return Result{
			Output: map[string]any{"matched": params["target"], "scanned": true},
		}, nil
	case "archive":
		return Result{
			Output:   map[string]any{"archived": true, "target": params["target"]},
			Rollback: map[string]any{"operation": "db.unarchive", "target": params["target"]},
		}, nil
	default:
		return Result{}, &CallError{
			Tool: "db", Operation: operation, Kind: KindInvalid,
			Err: fmt.Errorf("unsupported operation"),
		}
	}
}

type notifyTool struct{}

func (notifyTool) Invoke(_ context.Context, operation string, params map[string]any) (Result, error) {
	if operation != "send" {
		return Result{}, &CallError{
			Tool: "notify", Operation: operation, Kind: KindInvalid,
			Err: fmt.Errorf("unsupported operation"),
		}
	}
	return Result{
		Output: map[string]any{
			"delivered": true,
			"template":  params["template"],
			"sent_at":   time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

type httpTool struct{}

func (httpTool) Invoke(_ context.Context, operation string, params map[string]any) (Result, error) {
	return Result{
		Output: map[string]any{"operation": operation, "status": 200, "params": params},
	}, nil
}

type reportTool struct{}

func (reportTool) Invoke(_ context.Context, operation string, params map[string]any) (Result, error) {
	return Result{
		Output: map[string]any{"operation": operation, "report_id": uuid.NewString(), "target": params["target"]},
	}, nil
}

type fileTool struct{}

func (fileTool) Invoke(_ context.Context, operation string, params map[string]any) (Result, error) {
	path := fmt.Sprintf("artifacts/%s", uuid.NewString())
	return Result{
		Output:   map[string]any{"operation": operation, "path": path},
		Rollback: map[string]any{"operation": "file.remove", "path": path},
	}, nil
}
