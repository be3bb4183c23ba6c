package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/graph"
)

// fakeHandler executes instantly and fails or blocks per-node on demand.
type fakeHandler struct {
	id        string
	toolTypes []string

	mu        sync.Mutex
	executed  []string
	validated []string

	failNodes    map[string]bool
	invalidNodes map[string][]string
	delay        time.Duration
}

func newFakeHandler(toolTypes ...string) *fakeHandler {
	return &fakeHandler{
		id:           "fake-handler",
		toolTypes:    toolTypes,
		failNodes:    make(map[string]bool),
		invalidNodes: make(map[string][]string),
	}
}

func (h *fakeHandler) HandlerID() string            { return h.id }
func (h *fakeHandler) SupportedToolTypes() []string { return h.toolTypes }
func (h *fakeHandler) Metadata() playbook.HandlerMetadata {
	return playbook.HandlerMetadata{Name: "Fake", Version: "0.0.1"}
}

func (h *fakeHandler) Validate(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) playbook.ValidationResult {
	h.mu.Lock()
	h.validated = append(h.validated, node.ID)
	h.mu.Unlock()
	if errs, ok := h.invalidNodes[node.ID]; ok {
		return playbook.Invalid(errs...)
	}
	return playbook.Valid()
}

func (h *fakeHandler) Execute(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) (*playbook.ToolResult, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.executed = append(h.executed, node.ID)
	h.mu.Unlock()

	started := time.Now()
	if h.failNodes[node.ID] {
		return &playbook.ToolResult{
			Success:      false,
			HandlerID:    h.id,
			ToolName:     node.Name,
			ErrorCode:    playbook.ErrCodeInternal,
			ErrorMessage: "synthetic failure",
			Execution:    playbook.ExecutionMetadata{StartedAt: started, CompletedAt: time.Now(), ModelCalls: 1},
		}, nil
	}
	return &playbook.ToolResult{
		Success:    true,
		HandlerID:  h.id,
		ToolName:   node.Name,
		Summary:    "ok",
		Confidence: 0.9,
		Execution:  playbook.ExecutionMetadata{StartedAt: started, CompletedAt: time.Now(), ModelCalls: 1},
	}, nil
}

func (h *fakeHandler) executedNodes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.executed))
	copy(out, h.executed)
	return out
}

// recordingWriter captures persisted records and can degrade or fail.
type recordingWriter struct {
	mu       sync.Mutex
	records  []playbook.AuditRecord
	degraded bool
}

func (w *recordingWriter) Persist(ctx context.Context, rec playbook.AuditRecord, fields playbook.SearchFields) playbook.StorageOutcome {
	w.mu.Lock()
	w.records = append(w.records, rec)
	w.mu.Unlock()
	if w.degraded {
		return playbook.PartialSuccess("rec-"+rec.NodeID, "search fields unavailable")
	}
	return playbook.FullSuccess("rec-" + rec.NodeID)
}

func (w *recordingWriter) persistedNodes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.records))
	for _, r := range w.records {
		out = append(out, r.NodeID)
	}
	return out
}

func node(id string, order int, deps ...string) playbook.Node {
	return playbook.Node{
		ID:             id,
		Name:           "Node " + strings.ToUpper(id),
		ToolType:       "fake",
		ExecutionOrder: order,
		IsActive:       true,
		DependsOn:      deps,
	}
}

func buildRun(t *testing.T, nodes ...playbook.Node) *playbook.RunContext {
	t.Helper()
	pb := &playbook.Playbook{ID: "pb-1", Name: "Test Playbook", Nodes: nodes}
	rc := playbook.NewRunContext("run-1", pb, playbook.ToolExecutionContext{
		DocumentText: "the document",
		DocumentID:   "doc-1",
		TenantID:     "tenant-1",
	})
	plan, err := graph.NewPlanner().PlanBatches(pb.Nodes)
	if err != nil {
		t.Fatalf("PlanBatches failed: %v", err)
	}
	rc.Plan = plan
	return rc
}

func setupCoordinator(t *testing.T, handler playbook.ToolHandler, writer playbook.ResultWriter) *Coordinator {
	t.Helper()
	registry := playbook.NewHandlerRegistry()
	if err := registry.Register(handler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return New(registry, writer)
}

func TestExecuteBatchesAllSucceed(t *testing.T) {
	handler := newFakeHandler("fake")
	writer := &recordingWriter{}
	c := setupCoordinator(t, handler, writer)
	rc := buildRun(t, node("a", 1), node("b", 2, "a"), node("c", 3, "b"))

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	if result.Status != playbook.RunCompleted {
		t.Errorf("status = %s, want %s", result.Status, playbook.RunCompleted)
	}
	if got := handler.executedNodes(); len(got) != 3 {
		t.Errorf("executed %v, want 3 nodes", got)
	}
	if got := writer.persistedNodes(); len(got) != 3 {
		t.Errorf("persisted %v, want 3 records", got)
	}
	for _, nr := range result.Results {
		if nr.Storage.Kind != playbook.StorageFullSuccess {
			t.Errorf("node %s storage = %s, want full success", nr.NodeID, nr.Storage.Kind)
		}
	}
}

func TestExecuteBatchesChainRunsInDependencyOrder(t *testing.T) {
	handler := newFakeHandler("fake")
	c := setupCoordinator(t, handler, &recordingWriter{})
	rc := buildRun(t, node("c", 3, "b"), node("a", 1), node("b", 2, "a"))

	if _, err := c.ExecuteBatches(context.Background(), rc); err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	got := handler.executedNodes()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestSiblingFailureDoesNotAbortBatch(t *testing.T) {
	handler := newFakeHandler("fake")
	handler.failNodes["b"] = true
	c := setupCoordinator(t, handler, &recordingWriter{})
	// a and b in the same batch, neither depends on the other
	rc := buildRun(t, node("a", 1), node("b", 1))

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	if len(handler.executedNodes()) != 2 {
		t.Errorf("executed = %v, want both siblings", handler.executedNodes())
	}
	if result.Status != playbook.RunPartiallyCompleted {
		t.Errorf("status = %s, want %s", result.Status, playbook.RunPartiallyCompleted)
	}
}

func TestDependentOfFailedNodeIsSkipped(t *testing.T) {
	handler := newFakeHandler("fake")
	handler.failNodes["a"] = true
	c := setupCoordinator(t, handler, &recordingWriter{})
	rc := buildRun(t, node("a", 1), node("b", 2, "a"), node("c", 3, "b"), node("d", 1))

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	// b and c must never execute
	for _, id := range handler.executedNodes() {
		if id == "b" || id == "c" {
			t.Errorf("node %s executed despite failed dependency", id)
		}
	}

	b, _ := result.ResultFor("b")
	if b == nil || b.Result.ErrorCode != playbook.ErrCodeDependencyFailed {
		t.Errorf("node b error code = %v, want %s", b, playbook.ErrCodeDependencyFailed)
	}
	// skip propagates transitively
	cRes, _ := result.ResultFor("c")
	if cRes == nil || cRes.Result.ErrorCode != playbook.ErrCodeDependencyFailed {
		t.Errorf("node c error code = %v, want %s", cRes, playbook.ErrCodeDependencyFailed)
	}
	// unaffected sibling still ran and succeeded
	d, _ := result.ResultFor("d")
	if d == nil || !d.Result.Success {
		t.Errorf("node d = %v, want success", d)
	}
	if result.Status != playbook.RunPartiallyCompleted {
		t.Errorf("status = %s, want %s", result.Status, playbook.RunPartiallyCompleted)
	}
}

func TestAllNodesFailedStatusFailed(t *testing.T) {
	handler := newFakeHandler("fake")
	handler.failNodes["a"] = true
	handler.failNodes["b"] = true
	c := setupCoordinator(t, handler, &recordingWriter{})
	rc := buildRun(t, node("a", 1), node("b", 1))

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}
	if result.Status != playbook.RunFailed {
		t.Errorf("status = %s, want %s", result.Status, playbook.RunFailed)
	}
}

func TestEmptyPlaybookCompletes(t *testing.T) {
	handler := newFakeHandler("fake")
	c := setupCoordinator(t, handler, &recordingWriter{})
	inactive := node("a", 1)
	inactive.IsActive = false
	rc := buildRun(t, inactive)

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}
	if result.Status != playbook.RunCompleted {
		t.Errorf("status = %s, want %s", result.Status, playbook.RunCompleted)
	}
	if len(result.Results) != 0 {
		t.Errorf("results = %v, want none", result.Results)
	}
}

func TestResultsReportedInExecutionOrder(t *testing.T) {
	handler := newFakeHandler("fake")
	c := setupCoordinator(t, handler, &recordingWriter{})
	rc := buildRun(t, node("z", 3), node("m", 1), node("k", 2))

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	var got []string
	for _, nr := range result.Results {
		got = append(got, nr.NodeID)
	}
	want := []string{"m", "k", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("result order = %v, want %v", got, want)
		}
	}
}

func TestUnknownToolTypeFailsNode(t *testing.T) {
	handler := newFakeHandler("fake")
	c := setupCoordinator(t, handler, &recordingWriter{})

	other := node("a", 1)
	other.ToolType = "no-such-tool"
	rc := buildRun(t, other)

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	a, _ := result.ResultFor("a")
	if a == nil || a.Result.ErrorCode != playbook.ErrCodeHandlerNotFound {
		t.Errorf("node a = %v, want %s", a, playbook.ErrCodeHandlerNotFound)
	}
	if len(handler.executedNodes()) != 0 {
		t.Errorf("handler executed for unknown tool type")
	}
}

func TestValidationFailureShortCircuitsExecution(t *testing.T) {
	handler := newFakeHandler("fake")
	handler.invalidNodes["a"] = []string{"bad configuration"}
	c := setupCoordinator(t, handler, &recordingWriter{})
	rc := buildRun(t, node("a", 1))

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	a, _ := result.ResultFor("a")
	if a == nil || a.Result.ErrorCode != playbook.ErrCodeValidation {
		t.Errorf("node a = %v, want validation error", a)
	}
	if len(handler.executedNodes()) != 0 {
		t.Errorf("Execute ran despite validation failure")
	}
}

func TestCancellationStopsFurtherBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	handler := newFakeHandler("fake")
	c := setupCoordinator(t, handler, &recordingWriter{})
	rc := buildRun(t, node("a", 1), node("b", 2, "a"))

	// cancel as soon as the first node runs
	handler.delay = 10 * time.Millisecond
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()

	result, err := c.ExecuteBatches(ctx, rc)
	if err == nil {
		t.Fatal("ExecuteBatches returned nil error after cancellation")
	}
	if !playbook.HasCode(err, playbook.ErrCodeCancelled) {
		t.Errorf("error = %v, want cancelled", err)
	}

	// batch 0 finished and its result is retained; batch 1 never started
	if a, ok := result.ResultFor("a"); !ok || !a.Result.Success {
		t.Errorf("node a result missing or failed after cancellation: %v", a)
	}
	if _, ok := result.ResultFor("b"); ok {
		t.Errorf("node b has a result, second batch should not have started")
	}
}

func TestPartialPersistenceStillCountsAsSuccess(t *testing.T) {
	handler := newFakeHandler("fake")
	writer := &recordingWriter{degraded: true}
	c := setupCoordinator(t, handler, writer)
	rc := buildRun(t, node("a", 1))

	result, err := c.ExecuteBatches(context.Background(), rc)
	if err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	if result.Status != playbook.RunCompleted {
		t.Errorf("status = %s, want completed despite degraded persistence", result.Status)
	}
	a, _ := result.ResultFor("a")
	if a.Storage.Kind != playbook.StoragePartialSuccess {
		t.Errorf("storage = %s, want partial success", a.Storage.Kind)
	}
	if !a.Storage.Succeeded() {
		t.Error("partial success must count as success")
	}
}

func TestFailedNodesAreNotPersisted(t *testing.T) {
	handler := newFakeHandler("fake")
	handler.failNodes["a"] = true
	writer := &recordingWriter{}
	c := setupCoordinator(t, handler, writer)
	rc := buildRun(t, node("a", 1), node("b", 1))

	if _, err := c.ExecuteBatches(context.Background(), rc); err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	for _, id := range writer.persistedNodes() {
		if id == "a" {
			t.Error("failed node a was persisted")
		}
	}
}

func TestMetricsTrackNodeOutcomes(t *testing.T) {
	handler := newFakeHandler("fake")
	handler.failNodes["b"] = true
	c := setupCoordinator(t, handler, &recordingWriter{})
	rc := buildRun(t, node("a", 1), node("b", 1), node("c", 2, "b"))

	if _, err := c.ExecuteBatches(context.Background(), rc); err != nil {
		t.Fatalf("ExecuteBatches returned error: %v", err)
	}

	m := c.Metrics()
	if m.NodesSucceeded != 1 || m.NodesFailed != 1 || m.NodesSkipped != 1 {
		t.Errorf("metrics = %+v, want 1 succeeded / 1 failed / 1 skipped", &m)
	}
	if m.ModelCalls != 2 {
		t.Errorf("model calls = %d, want 2", m.ModelCalls)
	}
}
