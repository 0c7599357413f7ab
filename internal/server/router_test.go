// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/taskd-org/taskd/internal/compiler"
	"github.com/taskd-org/taskd/internal/constraint"
	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/nlu"
	"github.com/taskd-org/taskd/internal/server/handlers"
	"github.com/taskd-org/taskd/internal/types"
)

func newTestServer(t *testing.T, muts ...func(*Config)) (*httptest.Server, handlers.Deps) {
	t.Helper()
	ctx := context.Background()

	db, err := coredb.Open(ctx, coredb.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open core db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := Config{
		CoreDB:        db,
		StdOut:        io.Discard,
		StdErr:        io.Discard,
		Compiler:      compiler.DefaultConfig(),
		MaxConcurrent: 4,
	}
	for _, mut := range muts {
		mut(&cfg)
	}
	cfg = cfg.normalize()

	extractor, err := nlu.New(nlu.Config{})
	if err != nil {
		t.Fatalf("nlu backend: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := buildDeps(cfg, db, constraint.NewChecker(nil), extractor, logger)
	t.Cleanup(deps.Runner.Shutdown)

	srv := httptest.NewServer(buildHandler(cfg, deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && len(raw) > 0 && resp.StatusCode < 400 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s: %v\n%s", method, url, err, raw)
		}
	}
	return resp.StatusCode
}

func waitForStatus(t *testing.T, base, taskID string, want types.TaskStatus) *types.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var task types.Task
		if code := doJSON(t, http.MethodGet, base+"/tasks/"+taskID, nil, &task); code != http.StatusOK {
			t.Fatalf("get task: status %d", code)
		}
		if task.Status == want {
			return &task
		}
		if task.Status.Terminal() {
			t.Fatalf("task reached terminal status %s, want %s (last_error=%q)", task.Status, want, task.LastError)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return nil
}

func TestCompileAndExecuteToCompletion(t *testing.T) {
	srv, _ := newTestServer(t)

	var compiled handlers.CompileResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "create a new customer record for acme",
		Mode:   "autonomous",
	}, &compiled)
	if code != http.StatusCreated {
		t.Fatalf("compile: status %d, want 201", code)
	}
	if compiled.Task.Status != types.TaskReady {
		t.Fatalf("task status = %s, want ready", compiled.Task.Status)
	}
	if compiled.Plan == nil || len(compiled.Plan.Steps) != 3 {
		t.Fatalf("expected 3-step plan, got %+v", compiled.Plan)
	}
	if compiled.Plan.IntentType != "data_entry" {
		t.Fatalf("intent type = %s, want data_entry", compiled.Plan.IntentType)
	}
	if compiled.Decision != nil || compiled.Approval != nil {
		t.Fatal("unambiguous low-risk intent should not gate")
	}
	if compiled.Plan.Simulation == nil {
		t.Fatal("admitted plan should carry a simulation result")
	}

	var started types.Task
	code = doJSON(t, http.MethodPost, srv.URL+"/execute", handlers.ExecuteRequest{
		TaskID: compiled.Task.ID,
	}, &started)
	if code != http.StatusAccepted {
		t.Fatalf("execute: status %d, want 202", code)
	}

	done := waitForStatus(t, srv.URL, compiled.Task.ID, types.TaskCompleted)
	if done.Progress != 1 {
		t.Fatalf("progress = %v, want 1", done.Progress)
	}
	if len(done.StepResults) != 3 {
		t.Fatalf("step results = %d, want 3", len(done.StepResults))
	}
	for _, res := range done.StepResults {
		if res.Status != types.StepSucceeded {
			t.Fatalf("step %d status = %s, want succeeded", res.Ordinal, res.Status)
		}
	}

	var audit struct {
		Entries []types.AuditEntry `json:"entries"`
		Count   int                `json:"count"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/tasks/"+compiled.Task.ID+"/audit", nil, &audit); code != http.StatusOK {
		t.Fatalf("audit: status %d", code)
	}
	if audit.Count == 0 {
		t.Fatal("audit trail is empty")
	}
	seen := map[string]bool{}
	var lastSeq int64
	for _, e := range audit.Entries {
		if e.Seq <= lastSeq {
			t.Fatalf("audit seq not strictly increasing: %d after %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		seen[e.Action] = true
	}
	for _, want := range []string{types.AuditPlanCompiled, types.AuditSimulationRun, types.AuditTaskTransition} {
		if !seen[want] {
			t.Errorf("audit trail missing %s", want)
		}
	}

	var stats handlers.TaskStats
	if code := doJSON(t, http.MethodGet, srv.URL+"/stats", nil, &stats); code != http.StatusOK {
		t.Fatalf("stats: status %d", code)
	}
	if stats.Completed < 1 || stats.Total < 1 {
		t.Fatalf("stats = %+v, want at least one completed task", stats)
	}
	if len(stats.RecentActivity) == 0 {
		t.Fatal("stats missing recent audit activity")
	}

	var listed struct {
		Tasks []*types.Task `json:"tasks"`
		Count int           `json:"count"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/list?status=completed", nil, &listed); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if listed.Count < 1 {
		t.Fatal("completed task missing from list")
	}
}

func TestAmbiguousIntentAsksForClarification(t *testing.T) {
	srv, _ := newTestServer(t)

	var compiled handlers.CompileResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "do the thing please",
		Mode:   "autonomous",
	}, &compiled)
	if code != http.StatusAccepted {
		t.Fatalf("compile: status %d, want 202", code)
	}
	if compiled.Task.Status != types.TaskWaitingDecision {
		t.Fatalf("task status = %s, want waiting_decision", compiled.Task.Status)
	}
	if compiled.Plan != nil {
		t.Fatal("ambiguous intent should not produce a plan")
	}
	if compiled.Decision == nil || compiled.Decision.DefaultID != "intent:general" {
		t.Fatalf("decision = %+v, want default option intent:general", compiled.Decision)
	}

	var pending struct {
		Requests []*types.DecisionRequest `json:"requests"`
		Count    int                      `json:"count"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/tasks/"+compiled.Task.ID+"/decisions", nil, &pending); code != http.StatusOK {
		t.Fatalf("decisions: status %d", code)
	}
	if pending.Count != 1 {
		t.Fatalf("pending decisions = %d, want 1", pending.Count)
	}

	var decided handlers.DecideResponse
	code = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+compiled.Task.ID+"/decide", handlers.DecideRequest{
		RequestID: compiled.Decision.ID,
		OptionID:  "intent:general",
	}, &decided)
	if code != http.StatusOK {
		t.Fatalf("decide: status %d, want 200", code)
	}
	if decided.Request.Status != types.DecisionAnswered {
		t.Fatalf("request status = %s, want answered", decided.Request.Status)
	}
	if decided.Task.Status != types.TaskReady {
		t.Fatalf("task status = %s, want ready after recompile", decided.Task.Status)
	}
	if decided.Plan == nil || decided.Plan.IntentType != "general" {
		t.Fatalf("recompiled plan = %+v, want intent type general", decided.Plan)
	}
	if decided.Plan.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0 after clarification", decided.Plan.Confidence)
	}

	// Answering twice is a conflict.
	code = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+compiled.Task.ID+"/decide", handlers.DecideRequest{
		RequestID: compiled.Decision.ID,
		OptionID:  "intent:general",
	}, nil)
	if code != http.StatusConflict {
		t.Fatalf("re-decide: status %d, want 409", code)
	}
}

func TestHighRiskPlanGatesOnApproval(t *testing.T) {
	srv, _ := newTestServer(t)

	var compiled handlers.CompileResponse
	// Autonomous mode, so the gate below comes from the flagged steps
	// alone.
	code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "purge stale session rows",
		Mode:   "autonomous",
	}, &compiled)
	if code != http.StatusCreated {
		t.Fatalf("compile: status %d, want 201", code)
	}
	if compiled.Task.Status != types.TaskPendingApproval {
		t.Fatalf("task status = %s, want pending_approval", compiled.Task.Status)
	}
	if compiled.Approval == nil || compiled.Approval.StepOrdinal != -1 {
		t.Fatalf("approval = %+v, want a plan-level request", compiled.Approval)
	}
	if compiled.Plan == nil || compiled.Plan.IntentType != "data_cleanup" {
		t.Fatalf("plan = %+v, want data_cleanup", compiled.Plan)
	}

	var approved handlers.ApproveResponse
	code = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+compiled.Task.ID+"/approve", handlers.ApproveRequest{
		RequestID: compiled.Approval.ID,
		Approve:   true,
		Comments:  "reviewed scope",
	}, &approved)
	if code != http.StatusOK {
		t.Fatalf("approve: status %d, want 200", code)
	}
	if approved.Request.Status != types.ApprovalApproved {
		t.Fatalf("request status = %s, want approved", approved.Request.Status)
	}
	if approved.Task.Status != types.TaskReady {
		t.Fatalf("task status = %s, want ready after plan approval", approved.Task.Status)
	}

	code = doJSON(t, http.MethodPost, srv.URL+"/execute", handlers.ExecuteRequest{
		TaskID: compiled.Task.ID,
	}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("execute: status %d, want 202", code)
	}

	// The irreversible delete step suspends the run on a step-level gate.
	waitForStatus(t, srv.URL, compiled.Task.ID, types.TaskWaitingApproval)

	var pending struct {
		Requests []*types.ApprovalRequest `json:"requests"`
		Count    int                      `json:"count"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for pending.Count == 0 && time.Now().Before(deadline) {
		doJSON(t, http.MethodGet, srv.URL+"/tasks/"+compiled.Task.ID+"/approvals", nil, &pending)
		if pending.Count == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if pending.Count != 1 {
		t.Fatalf("pending approvals = %d, want 1", pending.Count)
	}
	if pending.Requests[0].StepOrdinal != 3 {
		t.Fatalf("gated step = %d, want 3", pending.Requests[0].StepOrdinal)
	}

	code = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+compiled.Task.ID+"/approve", handlers.ApproveRequest{
		RequestID: pending.Requests[0].ID,
		Approve:   true,
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("step approve: status %d, want 200", code)
	}

	done := waitForStatus(t, srv.URL, compiled.Task.ID, types.TaskCompleted)
	if len(done.StepResults) != 4 {
		t.Fatalf("step results = %d, want 4", len(done.StepResults))
	}
}

func TestRejectedPlanCancelsTask(t *testing.T) {
	srv, _ := newTestServer(t)

	var compiled handlers.CompileResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "purge stale session rows",
	}, &compiled)
	if code != http.StatusCreated {
		t.Fatalf("compile: status %d", code)
	}
	if compiled.Approval == nil {
		t.Fatal("expected a plan-level approval request")
	}

	var rejected handlers.ApproveResponse
	code = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+compiled.Task.ID+"/approve", handlers.ApproveRequest{
		RequestID: compiled.Approval.ID,
		Approve:   false,
		Comments:  "too broad",
	}, &rejected)
	if code != http.StatusOK {
		t.Fatalf("reject: status %d, want 200", code)
	}
	if rejected.Request.Status != types.ApprovalRejected {
		t.Fatalf("request status = %s, want rejected", rejected.Request.Status)
	}
	if rejected.Task.Status != types.TaskCancelled {
		t.Fatalf("task status = %s, want cancelled", rejected.Task.Status)
	}

	var audit struct {
		Entries []types.AuditEntry `json:"entries"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/tasks/"+compiled.Task.ID+"/audit", nil, &audit)
	found := false
	for _, e := range audit.Entries {
		if e.Action == types.AuditPlanRejected {
			found = true
		}
	}
	if !found {
		t.Fatal("audit trail missing plan_rejected")
	}
}

func TestTaskCancelIsTerminal(t *testing.T) {
	srv, _ := newTestServer(t)

	var compiled handlers.CompileResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "create a new inventory record",
	}, &compiled)
	if code != http.StatusCreated {
		t.Fatalf("compile: status %d", code)
	}

	var cancelled types.Task
	code = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+compiled.Task.ID+"/cancel", nil, &cancelled)
	if code != http.StatusOK {
		t.Fatalf("cancel: status %d, want 200", code)
	}
	if cancelled.Status != types.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	if code = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+compiled.Task.ID+"/resume", nil, nil); code != http.StatusConflict {
		t.Fatalf("resume after cancel: status %d, want 409", code)
	}
	if code = doJSON(t, http.MethodPost, srv.URL+"/execute", handlers.ExecuteRequest{TaskID: compiled.Task.ID}, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("execute after cancel: status %d, want 422", code)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/tasks/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: status %d, want 404", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/problem+json") {
		t.Fatalf("content type = %q, want application/problem+json", ct)
	}

	post, err := http.Post(srv.URL+"/compile", "application/json", strings.NewReader(`{"intent":`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("malformed body: status %d, want 422", post.StatusCode)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{Intent: "   "}, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("blank intent: status %d, want 422", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/execute", handlers.ExecuteRequest{TaskID: "missing"}, nil); code != http.StatusNotFound {
		t.Fatalf("execute unknown task: status %d, want 404", code)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("healthz: status %d, want 204", resp.StatusCode)
	}

	// Generate a little traffic so counters exist.
	doJSON(t, http.MethodGet, srv.URL+"/list", nil, nil)

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "http_requests_total") {
		t.Fatalf("metrics output missing http counter:\n%s", body)
	}
}

func TestEventStreamDeliversTransitions(t *testing.T) {
	srv, _ := newTestServer(t)

	var compiled handlers.CompileResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "create a new customer record",
		Mode:   "autonomous",
	}, &compiled); code != http.StatusCreated {
		t.Fatalf("compile: status %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/tasks/"+compiled.Task.ID+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/execute", handlers.ExecuteRequest{
		TaskID: compiled.Task.ID,
	}, nil); code != http.StatusAccepted {
		t.Fatalf("execute: status %d", code)
	}

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		var acc strings.Builder
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				if strings.Contains(acc.String(), "task.transition") {
					got <- acc.String()
					return
				}
			}
			if err != nil {
				got <- acc.String()
				return
			}
		}
	}()

	select {
	case stream := <-got:
		if !strings.Contains(stream, "task.transition") {
			t.Fatalf("stream did not carry a transition event:\n%s", stream)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for stream data")
	}
}

func TestListRejectsUnknownStatusFilter(t *testing.T) {
	srv, _ := newTestServer(t)
	if code := doJSON(t, http.MethodGet, srv.URL+"/list?status=bogus", nil, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", code)
	}
}

func TestSupervisedCompileAlwaysGates(t *testing.T) {
	srv, _ := newTestServer(t)

	// No mode in the payload: supervised is the default, and a low-risk
	// plan still parks behind the plan-level gate.
	var compiled handlers.CompileResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "create a new customer record for acme",
	}, &compiled)
	if code != http.StatusCreated {
		t.Fatalf("compile: status %d, want 201", code)
	}
	if compiled.Task.Mode != types.ModeSupervised {
		t.Fatalf("default mode = %s, want supervised", compiled.Task.Mode)
	}
	if compiled.Task.Status != types.TaskPendingApproval {
		t.Fatalf("task status = %s, want pending_approval", compiled.Task.Status)
	}
	if compiled.Approval == nil || !compiled.Approval.PlanLevel() {
		t.Fatalf("approval = %+v, want a plan-level request", compiled.Approval)
	}
	if compiled.Plan == nil || compiled.Plan.Simulation != nil {
		t.Fatalf("gated plan should exist unsimulated, got %+v", compiled.Plan)
	}
}

func TestClarificationTimeoutRecompilesWithDefault(t *testing.T) {
	srv, deps := newTestServer(t, func(cfg *Config) {
		cfg.Compiler.DecisionTimeout = 20 * time.Millisecond
	})

	var compiled handlers.CompileResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "do the thing please",
		Mode:   "autonomous",
	}, &compiled)
	if code != http.StatusAccepted {
		t.Fatalf("compile: status %d, want 202", code)
	}
	if compiled.Decision == nil || compiled.Decision.DefaultID == "" {
		t.Fatalf("decision = %+v, want a default option", compiled.Decision)
	}

	time.Sleep(40 * time.Millisecond)
	n, err := deps.Decisions.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep resolved %d requests, want 1", n)
	}

	// The timeout default landed and recompilation ran: the task holds a
	// plan and is ready, same as after a human answer.
	var task types.Task
	if code := doJSON(t, http.MethodGet, srv.URL+"/tasks/"+compiled.Task.ID, nil, &task); code != http.StatusOK {
		t.Fatalf("get task: status %d", code)
	}
	if task.Status != types.TaskReady {
		t.Fatalf("task status = %s, want ready after timeout recompile", task.Status)
	}
	if task.PlanID == "" {
		t.Fatal("timed-out clarification left the task without a plan")
	}
}

func TestExpiredPlanGateCancelsTask(t *testing.T) {
	srv, deps := newTestServer(t, func(cfg *Config) {
		cfg.ApprovalTimeout = 20 * time.Millisecond
	})

	var compiled handlers.CompileResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/compile", handlers.CompileRequest{
		Intent: "create a new customer record for acme",
	}, &compiled)
	if code != http.StatusCreated {
		t.Fatalf("compile: status %d, want 201", code)
	}
	if compiled.Task.Status != types.TaskPendingApproval || compiled.Approval == nil {
		t.Fatalf("expected a gated task, got status %s", compiled.Task.Status)
	}

	time.Sleep(40 * time.Millisecond)
	n, err := deps.Approvals.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep resolved %d requests, want 1", n)
	}

	var task types.Task
	if code := doJSON(t, http.MethodGet, srv.URL+"/tasks/"+compiled.Task.ID, nil, &task); code != http.StatusOK {
		t.Fatalf("get task: status %d", code)
	}
	if task.Status != types.TaskCancelled {
		t.Fatalf("task status = %s, want cancelled after gate expiry", task.Status)
	}

	var audit struct {
		Entries []types.AuditEntry `json:"entries"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/tasks/"+compiled.Task.ID+"/audit", nil, &audit)
	found := false
	for _, e := range audit.Entries {
		if e.Action == types.AuditPlanRejected {
			found = true
		}
	}
	if !found {
		t.Fatal("audit trail missing plan_rejected after gate expiry")
	}
}
