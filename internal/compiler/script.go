// SPDX-License-Identifier: AGPL-3.0-or-later

package compiler

import (
	"fmt"
	"strings"
	"time"

	"github.com/taskd-org/taskd/internal/nlu"
	"github.com/taskd-org/taskd/internal/types"
)

// renderScript produces the textual form of a plan. The text is a debug
// serialization: statements correspond 1:1 to steps in order, but execution
// dispatches on the typed steps and never re-parses this output.
func renderScript(plan *types.Plan, entities nlu.Entities, now time.Time) string {
	var b strings.Builder

	rule := strings.Repeat("=", 77)
	fmt.Fprintf(&b, "' %s\n", rule)
	fmt.Fprintf(&b, "' AUTO-GENERATED PLAN SCRIPT\n")
	fmt.Fprintf(&b, "' Intent: %s\n", plan.Intent)
	fmt.Fprintf(&b, "' Type: %s (confidence %.2f)\n", plan.IntentType, plan.Confidence)
	fmt.Fprintf(&b, "' Generated: %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "' %s\n\n", rule)

	fmt.Fprintf(&b, "PLAN_START %q, %q\n", plan.IntentType, plan.Intent)
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "  STEP %d, %q, %s\n", step.Ordinal, step.Name, strings.ToUpper(step.Risk.String()))
	}
	fmt.Fprintf(&b, "PLAN_END\n\n")

	fmt.Fprintf(&b, "' Context variables\n")
	fmt.Fprintf(&b, "SET action = %q\n", entities.Action)
	fmt.Fprintf(&b, "SET target = %q\n", entities.Target)
	if entities.Domain != "" {
		fmt.Fprintf(&b, "SET domain = %q\n", entities.Domain)
	}
	if entities.Subject != "" {
		fmt.Fprintf(&b, "SET subject = %q\n", entities.Subject)
	}
	b.WriteString("\n")

	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "' STEP %d: %s\n", step.Ordinal, step.Name)
		fmt.Fprintf(&b, "' Risk: %s, Approval Required: %t\n", step.Risk, step.RequiresApproval)
		fmt.Fprintf(&b, "CALL %q", step.Action)
		if len(step.DependsOn) > 0 {
			fmt.Fprintf(&b, " AFTER %s", joinInts(step.DependsOn))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}
