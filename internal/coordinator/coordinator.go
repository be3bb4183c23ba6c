// Package coordinator drives playbook execution: batches run strictly in
// order, nodes within a batch run concurrently on a bounded pool, failures
// are captured per node, and dependents of failed nodes are skipped instead
// of run with missing input.
package coordinator

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/eventbus"
)

// Coordinator implements playbook.Runner.
type Coordinator struct {
	registry      *playbook.HandlerRegistry
	writer        playbook.ResultWriter
	eventBus      eventbus.EventBus
	maxConcurrent int

	metrics RunMetrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventBus enables node and batch step events.
func WithEventBus(eb eventbus.EventBus) Option {
	return func(c *Coordinator) {
		c.eventBus = eb
	}
}

// WithMaxConcurrent bounds within-batch concurrency.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// New builds a coordinator over the handler registry and result writer.
func New(registry *playbook.HandlerRegistry, writer playbook.ResultWriter, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:      registry,
		writer:        writer,
		maxConcurrent: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Metrics returns a copy of the coordinator's counters for the last run.
func (c *Coordinator) Metrics() RunMetrics {
	return c.metrics.Copy()
}

// ExecuteBatches implements playbook.Runner. Batch i+1 never starts before
// every node of batch i has finished; a cancelled context stops the run at
// the next batch boundary while retaining completed results.
func (c *Coordinator) ExecuteBatches(ctx context.Context, rc *playbook.RunContext) (*playbook.RunResult, error) {
	plan := rc.Plan
	if plan == nil {
		return nil, playbook.NewInternalError("executing", "run has no plan", nil)
	}

	startTime := time.Now()
	c.metrics.reset()
	log.Printf("Starting batch execution (run_id: %s, batches: %d, nodes: %d)",
		rc.RunID, len(plan.Batches), plan.NodeCount())

	var mu sync.Mutex
	results := make(map[string]*playbook.NodeResult, plan.NodeCount())
	failed := make(map[string]bool, plan.NodeCount())

	var cancelledErr error
	for batchIdx, batch := range plan.Batches {
		if err := ctx.Err(); err != nil {
			cancelledErr = playbook.NewCancelledError("executing", err)
			break
		}

		c.publishBatchEvent(ctx, eventbus.EventBatchStarted, rc, batchIdx, len(batch))

		workerPool := pool.New().WithMaxGoroutines(c.maxConcurrent)
		for _, nodeID := range batch {
			node := plan.NodeByID[nodeID]

			mu.Lock()
			skippedDep := firstFailedDependency(plan.ActiveDeps[nodeID], failed)
			mu.Unlock()

			if skippedDep != "" {
				nr := c.skipNode(ctx, rc, node, skippedDep)
				mu.Lock()
				results[nodeID] = nr
				failed[nodeID] = true
				mu.Unlock()
				continue
			}

			workerPool.Go(func() {
				nr := c.executeNode(ctx, rc, node)
				mu.Lock()
				results[node.ID] = nr
				if !nr.Result.Success {
					failed[node.ID] = true
				}
				mu.Unlock()
			})
		}
		// batch barrier: every node finishes before the next batch starts
		workerPool.Wait()

		c.publishBatchEvent(ctx, eventbus.EventBatchCompleted, rc, batchIdx, len(batch))
	}

	runResult := &playbook.RunResult{
		RunID:     rc.RunID,
		Results:   orderedResults(results),
		StartedAt: startTime,
		EndedAt:   time.Now(),
	}
	runResult.Status = deriveStatus(runResult.Results)

	m := c.metrics.Copy()
	log.Printf("Batch execution finished (run_id: %s, status: %s, succeeded: %d, failed: %d, skipped: %d, model_calls: %d, duration: %v)",
		rc.RunID, runResult.Status, m.NodesSucceeded, m.NodesFailed, m.NodesSkipped, m.ModelCalls, time.Since(startTime))

	if cancelledErr != nil {
		return runResult, cancelledErr
	}
	return runResult, nil
}

// executeNode resolves, validates, executes and persists a single node.
func (c *Coordinator) executeNode(ctx context.Context, rc *playbook.RunContext, node *playbook.Node) *playbook.NodeResult {
	c.publishNodeEvent(ctx, eventbus.EventNodeStarted, rc, node, nil)

	execCtx := rc.Document
	if execCtx.CorrelationID == "" {
		execCtx.CorrelationID = rc.RunID
	}

	result := c.runHandler(ctx, execCtx, node)
	result.Confidence = playbook.ClampConfidence(result.Confidence)

	nr := &playbook.NodeResult{
		NodeID:         node.ID,
		NodeName:       node.Name,
		ExecutionOrder: node.ExecutionOrder,
		OutputVariable: node.OutputVariable,
		Result:         result,
	}

	if result.Success {
		nr.Storage = c.persist(ctx, rc, node, result)
		c.metrics.recordNode(result, false)
		c.publishNodeEvent(ctx, eventbus.EventNodeCompleted, rc, node, result)
		if result.Summary != "" {
			c.publishNodeEvent(ctx, eventbus.EventNodeOutput, rc, node, result)
		}
	} else {
		nr.Storage = playbook.Failure("not persisted: node execution failed")
		c.metrics.recordNode(result, false)
		log.Printf("Node execution failed (run_id: %s, node_id: %s, error_code: %s, error: %s)",
			rc.RunID, node.ID, result.ErrorCode, result.ErrorMessage)
		c.publishNodeEvent(ctx, eventbus.EventNodeFailed, rc, node, result)
	}
	return nr
}

// runHandler resolves the handler and runs validation and execution under the
// per-node contract: every failure mode comes back as a ToolResult.
func (c *Coordinator) runHandler(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) *playbook.ToolResult {
	started := time.Now()

	handler, err := c.registry.HandlerByType(node.ToolType)
	if err != nil {
		return failedResult(node, started, playbook.ErrCodeHandlerNotFound,
			"no handler registered for tool type "+node.ToolType)
	}

	if validation := handler.Validate(ctx, execCtx, node); !validation.IsValid {
		return failedResult(node, started, playbook.ErrCodeValidation,
			joinErrors(validation.Errors))
	}

	result, err := handler.Execute(ctx, execCtx, node)
	if err != nil {
		// Handlers report expected failures inside the result; an error
		// return is unexpected.
		code := playbook.ErrCodeInternal
		if engErr, ok := err.(*playbook.EngineError); ok {
			code = engErr.Code
		}
		return failedResult(node, started, code, err.Error())
	}
	result.HandlerID = handler.HandlerID()
	return result
}

// skipNode marks a dependent of a failed node without running it.
func (c *Coordinator) skipNode(ctx context.Context, rc *playbook.RunContext, node *playbook.Node, failedDep string) *playbook.NodeResult {
	depErr := playbook.NewDependencyFailedError("executing", node.ID, failedDep)
	result := failedResult(node, time.Now(), playbook.ErrCodeDependencyFailed, depErr.Message)

	log.Printf("Node skipped, dependency failed (run_id: %s, node_id: %s, failed_dependency: %s)",
		rc.RunID, node.ID, failedDep)
	c.metrics.recordNode(result, true)
	c.publishNodeEvent(ctx, eventbus.EventNodeSkipped, rc, node, result)

	return &playbook.NodeResult{
		NodeID:         node.ID,
		NodeName:       node.Name,
		ExecutionOrder: node.ExecutionOrder,
		OutputVariable: node.OutputVariable,
		Result:         result,
		Storage:        playbook.Failure("not persisted: dependency failed"),
	}
}

// persist writes the node output through the dual writer. Soft failures are
// logged and reported in the outcome, never escalated to node failure.
func (c *Coordinator) persist(ctx context.Context, rc *playbook.RunContext, node *playbook.Node, result *playbook.ToolResult) playbook.StorageOutcome {
	if c.writer == nil {
		return playbook.FullSuccess("")
	}

	rec := playbook.AuditRecord{
		TenantID:   rc.Document.TenantID,
		DocumentID: rc.Document.DocumentID,
		RunID:      rc.RunID,
		NodeID:     node.ID,
		ToolName:   node.Name,
		Payload:    result.Data,
		Summary:    result.Summary,
		Confidence: result.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	fields := playbook.SearchFields{
		OutputVariable: node.OutputVariable,
		ToolName:       node.Name,
		Summary:        result.Summary,
		Confidence:     result.Confidence,
		CompletedAt:    result.Execution.CompletedAt,
	}

	outcome := c.writer.Persist(ctx, rec, fields)
	switch outcome.Kind {
	case playbook.StoragePartialSuccess:
		log.Printf("Node result partially persisted (run_id: %s, node_id: %s, record_id: %s, message: %s)",
			rc.RunID, node.ID, outcome.RecordID, outcome.Message)
	case playbook.StorageFailure:
		log.Printf("Node result persistence failed (run_id: %s, node_id: %s, message: %s)",
			rc.RunID, node.ID, outcome.Message)
	}
	return outcome
}

func (c *Coordinator) publishNodeEvent(ctx context.Context, eventType eventbus.EventType, rc *playbook.RunContext, node *playbook.Node, result *playbook.ToolResult) {
	if c.eventBus == nil {
		return
	}
	metadata := map[string]interface{}{
		"run_id":          rc.RunID,
		"node_id":         node.ID,
		"tool_type":       node.ToolType,
		"execution_order": node.ExecutionOrder,
	}
	payload := node.Name
	if result != nil {
		metadata["success"] = result.Success
		metadata["confidence"] = result.Confidence
		metadata["model_calls"] = result.Execution.ModelCalls
		if result.ErrorCode != "" {
			metadata["error_code"] = result.ErrorCode
		}
		if eventType == eventbus.EventNodeOutput {
			payload = result.Summary
		}
	}
	c.eventBus.Publish(ctx, eventbus.NewEvent(eventType, payload, "Coordinator", metadata))
}

func (c *Coordinator) publishBatchEvent(ctx context.Context, eventType eventbus.EventType, rc *playbook.RunContext, batchIdx, size int) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(ctx, eventbus.NewEvent(eventType, rc.Playbook.Name, "Coordinator", map[string]interface{}{
		"run_id":      rc.RunID,
		"batch_index": batchIdx,
		"batch_size":  size,
	}))
}

// firstFailedDependency returns the id of a failed or skipped dependency, or
// empty when all dependencies succeeded.
func firstFailedDependency(deps []string, failed map[string]bool) string {
	for _, dep := range deps {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

// orderedResults flattens the result map sorted by ExecutionOrder, ties by
// node id.
func orderedResults(results map[string]*playbook.NodeResult) []*playbook.NodeResult {
	out := make([]*playbook.NodeResult, 0, len(results))
	for _, nr := range results {
		out = append(out, nr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionOrder != out[j].ExecutionOrder {
			return out[i].ExecutionOrder < out[j].ExecutionOrder
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// deriveStatus maps node outcomes onto the run status: all succeeded means
// completed, none succeeded (with at least one failure) means failed, a mix
// means partially completed. An empty run counts as completed.
func deriveStatus(results []*playbook.NodeResult) playbook.RunStatus {
	var ok, failed int
	for _, nr := range results {
		if nr.Result != nil && nr.Result.Success {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return playbook.RunCompleted
	case ok == 0:
		return playbook.RunFailed
	default:
		return playbook.RunPartiallyCompleted
	}
}

func failedResult(node *playbook.Node, started time.Time, code, message string) *playbook.ToolResult {
	return &playbook.ToolResult{
		Success:      false,
		ToolID:       node.ToolID,
		ToolName:     node.Name,
		ErrorCode:    code,
		ErrorMessage: message,
		Execution: playbook.ExecutionMetadata{
			StartedAt:   started,
			CompletedAt: time.Now(),
		},
	}
}

func joinErrors(errs []string) string {
	switch len(errs) {
	case 0:
		return "validation failed"
	case 1:
		return errs[0]
	default:
		msg := errs[0]
		for _, e := range errs[1:] {
			msg += "; " + e
		}
		return msg
	}
}
