package playbook

import (
	"encoding/json"
	"time"
)

// Node is a single step of a playbook, bound to a tool type.
type Node struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	DependsOn      []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	ExecutionOrder int             `json:"execution_order" yaml:"execution_order"`
	IsActive       bool            `json:"is_active" yaml:"is_active"`
	ToolType       string          `json:"tool_type" yaml:"tool_type"`
	ToolID         string          `json:"tool_id,omitempty" yaml:"tool_id,omitempty"`
	OutputVariable string          `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
	Configuration  json.RawMessage `json:"configuration,omitempty" yaml:"-"`
}

// Playbook is an ordered list of nodes executed against one document.
type Playbook struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

// ToolExecutionContext is the per-invocation input for a tool handler.
// It is built fresh for every node execution and never mutated afterwards.
type ToolExecutionContext struct {
	DocumentText  string
	DocumentID    string
	TenantID      string
	CorrelationID string
	Supplementary []string
}

// ExecutionMetadata records timing and model-call accounting for one
// tool execution.
type ExecutionMetadata struct {
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	ModelCalls   int       `json:"model_calls"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
}

// Duration returns the wall-clock time of the execution.
func (m ExecutionMetadata) Duration() time.Duration {
	if m.StartedAt.IsZero() || m.CompletedAt.IsZero() {
		return 0
	}
	return m.CompletedAt.Sub(m.StartedAt)
}

// ToolResult is the outcome of executing one tool against one document.
// Success == false implies ErrorCode is set.
type ToolResult struct {
	Success      bool                   `json:"success"`
	HandlerID    string                 `json:"handler_id"`
	ToolID       string                 `json:"tool_id,omitempty"`
	ToolName     string                 `json:"tool_name"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Summary      string                 `json:"summary,omitempty"`
	Confidence   float64                `json:"confidence"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Execution    ExecutionMetadata      `json:"execution"`
}

// ClampConfidence bounds a confidence value into [0, 1]. Model output is not
// trusted to stay inside the declared range.
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ValidationResult reports the outcome of a handler's local validation pass.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// Invalid builds a failed ValidationResult from the given messages.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{IsValid: false, Errors: errs}
}

// Valid is the successful ValidationResult.
func Valid() ValidationResult {
	return ValidationResult{IsValid: true}
}

// ParameterSpec declares one configuration parameter a handler accepts.
type ParameterSpec struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Default  interface{} `json:"default,omitempty"`
	Required bool        `json:"required"`
	Min      *float64    `json:"min,omitempty"`
	Max      *float64    `json:"max,omitempty"`
	Enum     []string    `json:"enum,omitempty"`
}

// HandlerMetadata describes a tool handler to callers and planners.
type HandlerMetadata struct {
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	InputMediaTypes []string        `json:"input_media_types,omitempty"`
	Parameters      []ParameterSpec `json:"parameters,omitempty"`
}

// StorageOutcomeKind tags the result of the dual write performed when a
// node's output is persisted.
type StorageOutcomeKind string

const (
	// StorageFullSuccess means both the primary and secondary writes landed.
	StorageFullSuccess StorageOutcomeKind = "full_success"
	// StoragePartialSuccess means the primary write landed but the secondary
	// did not. The operation still counts as a success for the caller.
	StoragePartialSuccess StorageOutcomeKind = "partial_success"
	// StorageFailure means the primary write failed.
	StorageFailure StorageOutcomeKind = "failure"
)

// StorageOutcome models the dual-write result when persisting a node's output.
type StorageOutcome struct {
	Kind     StorageOutcomeKind `json:"kind"`
	RecordID string             `json:"record_id,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// FullSuccess builds an outcome for a fully persisted record.
func FullSuccess(recordID string) StorageOutcome {
	return StorageOutcome{Kind: StorageFullSuccess, RecordID: recordID}
}

// PartialSuccess builds an outcome for a record whose secondary write failed.
// The message must tell the caller where the authoritative copy lives.
func PartialSuccess(recordID, message string) StorageOutcome {
	return StorageOutcome{Kind: StoragePartialSuccess, RecordID: recordID, Message: message}
}

// Failure builds an outcome for a failed primary write.
func Failure(message string) StorageOutcome {
	return StorageOutcome{Kind: StorageFailure, Message: message}
}

// Succeeded reports whether the outcome counts as an overall success.
// Partial success is still a success; the caller is pointed at the primary
// record through Message.
func (o StorageOutcome) Succeeded() bool {
	return o.Kind == StorageFullSuccess || o.Kind == StoragePartialSuccess
}

// RunStatus is the overall status of a playbook run.
type RunStatus string

const (
	// RunCompleted means every executed node succeeded.
	RunCompleted RunStatus = "completed"
	// RunPartiallyCompleted means some nodes succeeded and some failed or
	// were skipped because a dependency failed.
	RunPartiallyCompleted RunStatus = "partially_completed"
	// RunFailed means no node produced a successful result.
	RunFailed RunStatus = "failed"
)

// NodeResult pairs a node with its tool result and persistence outcome.
type NodeResult struct {
	NodeID         string         `json:"node_id"`
	NodeName       string         `json:"node_name"`
	ExecutionOrder int            `json:"execution_order"`
	OutputVariable string         `json:"output_variable,omitempty"`
	Result         *ToolResult    `json:"result"`
	Storage        StorageOutcome `json:"storage"`
}

// RunResult is the output surface of one playbook run: one result per active
// node, reported in ExecutionOrder order, plus an overall status.
type RunResult struct {
	RunID     string        `json:"run_id"`
	Status    RunStatus     `json:"status"`
	Results   []*NodeResult `json:"results"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}

// ResultFor returns the result for a specific node id, if present.
func (r *RunResult) ResultFor(nodeID string) (*NodeResult, bool) {
	for _, nr := range r.Results {
		if nr.NodeID == nodeID {
			return nr, true
		}
	}
	return nil, false
}

// RunPlan is the product of planning: ordered batches of mutually independent
// node ids, plus the active dependency edges the coordinator needs for the
// dependency-skip rule.
type RunPlan struct {
	Batches    [][]string
	ActiveDeps map[string][]string
	NodeByID   map[string]*Node
}

// NodeCount returns the number of planned (active) nodes.
func (p *RunPlan) NodeCount() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b)
	}
	return n
}
