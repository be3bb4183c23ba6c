package playbook

import (
	"context"
	"time"
)

// ToolHandler is a pluggable implementation of one or more tool types.
type ToolHandler interface {
	// HandlerID returns a stable identifier for this handler implementation.
	HandlerID() string

	// SupportedToolTypes returns the tool-type tags this handler serves.
	// Must be non-empty.
	SupportedToolTypes() []string

	// Metadata describes the handler: name, version, accepted input media
	// types and the configuration parameters it declares.
	Metadata() HandlerMetadata

	// Validate performs a purely local check of the execution context and the
	// node's configuration. It never calls the model.
	Validate(ctx context.Context, execCtx ToolExecutionContext, node *Node) ValidationResult

	// Execute runs the tool against the document. Cancellation is cooperative
	// through ctx; a cancelled execution returns a ToolResult with
	// ErrorCode EXECUTION_CANCELLED and no partial data.
	Execute(ctx context.Context, execCtx ToolExecutionContext, node *Node) (*ToolResult, error)
}

// CompletionRequest is one prompt sent to the completion service.
type CompletionRequest struct {
	Prompt      string
	Model       string // optional override; empty uses the service default
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the completion service's answer to one request.
type CompletionResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// CompletionService is the downstream model-completion collaborator.
type CompletionService interface {
	// Complete issues one completion call and returns the full text.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteStream issues one completion call and yields incremental text
	// chunks to fn. fn returning an error stops the stream.
	CompleteStream(ctx context.Context, req CompletionRequest, fn func(chunk string) error) error
}

// CompletionCache caches completion responses keyed by prompt hash.
type CompletionCache interface {
	Get(ctx context.Context, key string) (*CompletionResponse, bool)
	Set(ctx context.Context, key string, resp *CompletionResponse)
}

// AuditRecord is the durable primary record written for every node result.
type AuditRecord struct {
	TenantID   string                 `json:"tenant_id"`
	DocumentID string                 `json:"document_id"`
	RunID      string                 `json:"run_id"`
	NodeID     string                 `json:"node_id"`
	ToolName   string                 `json:"tool_name"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Confidence float64                `json:"confidence"`
	CreatedAt  time.Time              `json:"created_at"`
}

// SearchFields is the denormalized secondary record kept on the document for
// fast lookup.
type SearchFields struct {
	OutputVariable string    `json:"output_variable"`
	ToolName       string    `json:"tool_name"`
	Summary        string    `json:"summary,omitempty"`
	Confidence     float64   `json:"confidence"`
	CompletedAt    time.Time `json:"completed_at"`
}

// RecordStore is the downstream tenant record store. Both writes are safe for
// the caller to retry, but the engine never retries the secondary write
// synchronously.
type RecordStore interface {
	CreateAuditRecord(ctx context.Context, rec AuditRecord) (string, error)
	UpdateSearchFields(ctx context.Context, documentID string, fields SearchFields) error
}

// ResultWriter persists one node result with soft-failure semantics: a
// primary-write failure fails the operation, a secondary-write failure
// degrades it to PartialSuccess.
type ResultWriter interface {
	Persist(ctx context.Context, rec AuditRecord, fields SearchFields) StorageOutcome
}

// Scheduler turns a playbook's node list into ordered batches of mutually
// independent, ready-to-run nodes.
type Scheduler interface {
	PlanBatches(nodes []Node) (*RunPlan, error)
}

// Runner drives the execution of planned batches across a run.
type Runner interface {
	ExecuteBatches(ctx context.Context, run *RunContext) (*RunResult, error)
}
