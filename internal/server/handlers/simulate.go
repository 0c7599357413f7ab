// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"net/http"

	"github.com/taskd-org/taskd/internal/types"
)

// NewSimulateHandler serves POST /simulate/{plan_id}: run the dry-run over
// every step of the plan and attach the result. Re-simulating replaces any
// previous result.
func NewSimulateHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		planID := r.PathValue("plan_id")
		ctx := r.Context()
		plan, err := d.Plans.Get(ctx, planID)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		sim, err := d.Simulator.SimulatePlan(ctx, plan)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		plan.Simulation = sim
		if err := d.Plans.Update(ctx, plan); err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		outcome := types.OutcomeAllowed
		if !sim.Success {
			outcome = types.OutcomeWarning
		}
		d.audit(ctx, actorFrom(r), types.AuditSimulationRun, "", plan.ID, outcome, map[string]any{
			"success":    sim.Success,
			"risk_score": sim.Impact.RiskScore,
			"risk_level": sim.Impact.RiskLevel.String(),
		})
		d.Emitter.EmitSimulation("", plan.ID, sim.Success)
		writeJSON(w, http.StatusOK, sim)
	}
}
