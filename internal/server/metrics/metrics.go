// SPDX-License-Identifier: AGPL-3.0-or-later
package metrics

import (
	"bufio"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Registry collects counters, gauges, and histograms for Prometheus text
// exposition.
type Registry struct {
	mu sync.Mutex

	httpRequests     *httpHistogram
	buildInfoLabels  map[string]string
	taskTransitions  map[[2]string]uint64
	constraintChecks map[string]uint64
	approvals        map[string]uint64
	decisions        map[string]uint64
	dispatches       map[[2]string]uint64
	auditAppends     uint64
	sseActive        int64
	sseResumeTotal   uint64
}

// NewRegistry constructs a metrics registry with default buckets.
func NewRegistry() *Registry {
	return &Registry{
		httpRequests: newHTTPHistogram(),
		buildInfoLabels: map[string]string{
			"version": "dev",
		},
		taskTransitions:  make(map[[2]string]uint64),
		constraintChecks: make(map[string]uint64),
		approvals:        make(map[string]uint64),
		decisions:        make(map[string]uint64),
		dispatches:       make(map[[2]string]uint64),
	}
}

// Default global registry used by the server.
var Default = NewRegistry()

// SetBuildInfo configures the labels exposed by taskd_build_info.
func (r *Registry) SetBuildInfo(labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range labels {
		r.buildInfoLabels[k] = v
	}
}

// RecordHTTP records an HTTP request metric.
func (r *Registry) RecordHTTP(route, method string, status int, duration time.Duration) {
	if r == nil || route == "" || method == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.httpRequests.observe(route, method, status, duration)
}

// RecordTaskTransition counts one lifecycle transition edge.
func (r *Registry) RecordTaskTransition(from, to string) {
	if r == nil || to == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskTransitions[[2]string{normalizeLabel(from), normalizeLabel(to)}]++
}

// RecordConstraintCheck counts one constraint evaluation by verdict.
func (r *Registry) RecordConstraintCheck(verdict string) {
	if r == nil || verdict == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constraintChecks[normalizeLabel(verdict)]++
}

// RecordApproval counts one approval resolution by terminal status.
func (r *Registry) RecordApproval(status string) {
	if r == nil || status == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals[normalizeLabel(status)]++
}

// RecordDecision counts one decision resolution by terminal status.
func (r *Registry) RecordDecision(status string) {
	if r == nil || status == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[normalizeLabel(status)]++
}

// RecordDispatch counts one dispatched action by family and outcome.
func (r *Registry) RecordDispatch(family, outcome string) {
	if r == nil || family == "" {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches[[2]string{normalizeLabel(family), normalizeLabel(outcome)}]++
}

// RecordAuditAppend increments the audit append counter.
func (r *Registry) RecordAuditAppend() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditAppends++
}

// RecordSSEActiveDelta adjusts the active SSE stream gauge.
func (r *Registry) RecordSSEActiveDelta(delta int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sseActive += delta
	if r.sseActive < 0 {
		r.sseActive = 0
	}
}

// RecordSSEResumeAttempt increments the Last-Event-ID resume counter.
func (r *Registry) RecordSSEResumeAttempt() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sseResumeTotal++
}

// Handler returns an http.Handler that writes Prometheus text exposition.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		r.writeAll(w)
	})
}

func (r *Registry) writeAll(w http.ResponseWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := bufio.NewWriter(w)
	defer buf.Flush()

	writeMetricHeader(buf, "http_requests_total", "Total HTTP requests", "counter")
	for _, key := range r.httpRequests.sortedKeys() {
		route, method, code := key[0], key[1], key[2]
		fmt.Fprintf(buf, "http_requests_total{method=%q,route=%q,code=%q} %.0f\n", method, route, code, r.httpRequests.total(route, method, code))
	}
	buf.WriteByte('\n')

	writeMetricHeader(buf, "http_request_duration_seconds", "HTTP request latency in seconds", "histogram")
	r.httpRequests.writeHistograms(buf)
	buf.WriteByte('\n')

	writeMetricHeader(buf, "taskd_build_info", "Engine build info", "gauge")
	buf.WriteString("taskd_build_info")
	buf.WriteByte('{')
	first := true
	for _, key := range sortedKeys(r.buildInfoLabels) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		fmt.Fprintf(buf, "%s=%q", key, r.buildInfoLabels[key])
	}
	buf.WriteString("} 1\n\n")

	writeMetricHeader(buf, "taskd_task_transitions_total", "Task lifecycle transitions by edge", "counter")
	for _, key := range sortedPairKeys(r.taskTransitions) {
		fmt.Fprintf(buf, "taskd_task_transitions_total{from=%q,to=%q} %d\n", key[0], key[1], r.taskTransitions[key])
	}
	buf.WriteByte('\n')

	writeMetricHeader(buf, "taskd_constraint_checks_total", "Constraint checks by verdict", "counter")
	for _, verdict := range sortedKeysUint(r.constraintChecks) {
		fmt.Fprintf(buf, "taskd_constraint_checks_total{verdict=%q} %d\n", verdict, r.constraintChecks[verdict])
	}
	buf.WriteByte('\n')

	writeMetricHeader(buf, "taskd_approvals_total", "Approval resolutions by status", "counter")
	for _, status := range sortedKeysUint(r.approvals) {
		fmt.Fprintf(buf, "taskd_approvals_total{status=%q} %d\n", status, r.approvals[status])
	}
	buf.WriteByte('\n')

	writeMetricHeader(buf, "taskd_decisions_total", "Decision resolutions by status", "counter")
	for _, status := range sortedKeysUint(r.decisions) {
		fmt.Fprintf(buf, "taskd_decisions_total{status=%q} %d\n", status, r.decisions[status])
	}
	buf.WriteByte('\n')

	writeMetricHeader(buf, "taskd_dispatches_total", "Dispatched actions by family and outcome", "counter")
	for _, key := range sortedPairKeys(r.dispatches) {
		fmt.Fprintf(buf, "taskd_dispatches_total{family=%q,outcome=%q} %d\n", key[0], key[1], r.dispatches[key])
	}
	buf.WriteByte('\n')

	writeMetricHeader(buf, "taskd_audit_appends_total", "Audit trail appends", "counter")
	fmt.Fprintf(buf, "taskd_audit_appends_total %d\n\n", r.auditAppends)

	writeMetricHeader(buf, "taskd_sse_active_streams", "Active SSE streams", "gauge")
	fmt.Fprintf(buf, "taskd_sse_active_streams %d\n\n", r.sseActive)

	writeMetricHeader(buf, "taskd_sse_resume_total", "SSE resume attempts", "counter")
	fmt.Fprintf(buf, "taskd_sse_resume_total %d\n\n", r.sseResumeTotal)
}

func writeMetricHeader(buf *bufio.Writer, name, help, metricType string) {
	if help != "" {
		fmt.Fprintf(buf, "# HELP %s %s\n", name, escapeHelp(help))
	}
	if metricType != "" {
		fmt.Fprintf(buf, "# TYPE %s %s\n", name, metricType)
	}
}

func escapeHelp(help string) string {
	return strings.ReplaceAll(help, "\\", "\\\\")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysUint(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPairKeys(m map[[2]string]uint64) [][2]string {
	keys := make([][2]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})
	return keys
}

type httpHistogram struct {
	// key: route|method|code
	counts map[[3]string]uint64
	hist   map[string]*simpleHistogram
}

func newHTTPHistogram() *httpHistogram {
	return &httpHistogram{
		counts: make(map[[3]string]uint64),
		hist:   make(map[string]*simpleHistogram),
	}
}

func (h *httpHistogram) observe(route, method string, status int, duration time.Duration) {
	key := [3]string{route, method, strconv.Itoa(status)}
	h.counts[key]++
	label := route + "|" + method + "|" + strconv.Itoa(status)
	b, ok := h.hist[label]
	if !ok {
		b = newSimpleHistogram([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
		h.hist[label] = b
	}
	b.observe(duration)
}

func (h *httpHistogram) total(route, method, code string) float64 {
	return float64(h.counts[[3]string{route, method, code}])
}

func (h *httpHistogram) sortedKeys() [][3]string {
	keys := make([][3]string, 0, len(h.counts))
	for k := range h.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})
	return keys
}

func (h *httpHistogram) writeHistograms(buf *bufio.Writer) {
	keys := make([]string, 0, len(h.hist))
	for k := range h.hist {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, label := range keys {
		parts := strings.Split(label, "|")
		if len(parts) != 3 {
			continue
		}
		route, method, code := parts[0], parts[1], parts[2]
		h.hist[label].writeWithLabels(buf, "http_request_duration_seconds", map[string]string{
			"method": method,
			"route":  route,
			"code":   code,
		})
	}
}

type simpleHistogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newSimpleHistogram(buckets []float64) *simpleHistogram {
	return &simpleHistogram{
		buckets: append([]float64(nil), buckets...),
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *simpleHistogram) observe(duration time.Duration) {
	if h == nil {
		return
	}
	sec := duration.Seconds()
	for i, upper := range h.buckets {
		if sec <= upper {
			h.counts[i]++
		}
	}
	// +Inf bucket
	h.count++
	h.sum += sec
}

func (h *simpleHistogram) writeWithLabels(buf *bufio.Writer, name string, labels map[string]string) {
	if h == nil {
		return
	}
	for i, upper := range h.buckets {
		fmt.Fprintf(buf, "%s_bucket%s %d\n", name, labelsWithLE(labels, upper), h.counts[i])
	}
	fmt.Fprintf(buf, "%s_bucket%s %d\n", name, labelsWithLE(labels, math.Inf(1)), h.count)
	fmt.Fprintf(buf, "%s_sum%s %g\n", name, labelsToString(labels), h.sum)
	fmt.Fprintf(buf, "%s_count%s %d\n", name, labelsToString(labels), h.count)
	buf.WriteByte('\n')
}

func labelsWithLE(labels map[string]string, le float64) string {
	labelCopy := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		labelCopy[k] = v
	}
	if math.IsInf(le, 1) {
		labelCopy["le"] = "+Inf"
	} else {
		labelCopy["le"] = strconv.FormatFloat(le, 'f', -1, 64)
	}
	return labelsToString(labelCopy)
}

func labelsToString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(labels))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func normalizeLabel(v string) string {
	return strings.TrimSpace(strings.ToLower(v))
}
