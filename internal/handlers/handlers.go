// Package handlers implements the built-in tool handlers: summarization,
// extraction, classification, comparison and calculation. Each handler runs
// the chunked execution pipeline against the completion service and reports
// results under the success/error/cancelled contract.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/pipeline"
)

// baseHandler carries the pieces every tool handler shares.
type baseHandler struct {
	id        string
	toolTypes []string
	meta      playbook.HandlerMetadata
	service   playbook.CompletionService
	chunker   *pipeline.Chunker
	model     string
	logger    *slog.Logger
}

// Option configures a handler at construction.
type Option func(*baseHandler)

// WithChunker overrides the document chunker.
func WithChunker(c *pipeline.Chunker) Option {
	return func(b *baseHandler) {
		b.chunker = c
	}
}

// WithModel overrides the default model for this handler's calls.
func WithModel(model string) Option {
	return func(b *baseHandler) {
		b.model = model
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *baseHandler) {
		b.logger = logger
	}
}

func newBase(id string, toolTypes []string, meta playbook.HandlerMetadata, service playbook.CompletionService, opts ...Option) baseHandler {
	b := baseHandler{
		id:        id,
		toolTypes: toolTypes,
		meta:      meta,
		service:   service,
		chunker:   pipeline.NewChunker(pipeline.DefaultChunkerConfig()),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *baseHandler) HandlerID() string {
	return b.id
}

func (b *baseHandler) SupportedToolTypes() []string {
	out := make([]string, len(b.toolTypes))
	copy(out, b.toolTypes)
	return out
}

func (b *baseHandler) Metadata() playbook.HandlerMetadata {
	return b.meta
}

// validateContext runs the document-level checks shared by all handlers.
func validateContext(execCtx playbook.ToolExecutionContext) []string {
	var errs []string
	if strings.TrimSpace(execCtx.DocumentText) == "" {
		errs = append(errs, "document text is required")
	}
	if execCtx.TenantID == "" {
		errs = append(errs, "tenant id is required")
	}
	return errs
}

// newResult builds a ToolResult shell with identity and timing filled in.
func (b *baseHandler) newResult(node *playbook.Node, start time.Time, modelCalls, inTokens, outTokens int) *playbook.ToolResult {
	return &playbook.ToolResult{
		HandlerID: b.id,
		ToolID:    node.ToolID,
		ToolName:  node.Name,
		Execution: playbook.ExecutionMetadata{
			StartedAt:    start,
			CompletedAt:  time.Now(),
			ModelCalls:   modelCalls,
			InputTokens:  inTokens,
			OutputTokens: outTokens,
		},
	}
}

// failureResult turns an execution error into a failed ToolResult, keeping
// the engine error code when one is present.
func (b *baseHandler) failureResult(node *playbook.Node, start time.Time, modelCalls, inTokens, outTokens int, err error) *playbook.ToolResult {
	res := b.newResult(node, start, modelCalls, inTokens, outTokens)
	res.Success = false
	var engErr *playbook.EngineError
	if errors.As(err, &engErr) {
		res.ErrorCode = engErr.Code
		res.ErrorMessage = engErr.Message
	} else {
		res.ErrorCode = playbook.ErrCodeInternal
		res.ErrorMessage = err.Error()
	}
	return res
}

// cancelledResult reports terminal cooperative cancellation. Partial chunk
// work is discarded: the result carries no data.
func (b *baseHandler) cancelledResult(node *playbook.Node, start time.Time, modelCalls int) *playbook.ToolResult {
	res := b.newResult(node, start, modelCalls, 0, 0)
	res.Success = false
	res.ErrorCode = playbook.ErrCodeCancelled
	res.ErrorMessage = "execution cancelled"
	return res
}

// decodeModelJSON parses a JSON payload out of free-form model text. Models
// wrap structured output in prose or markdown fences more often than not, so
// the parser slices out the outermost bracketed region before unmarshalling.
func decodeModelJSON(text string, out any) error {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.IndexAny(cleaned, "[{")
	if start < 0 {
		return errors.New("no JSON payload in model output")
	}
	var end int
	if cleaned[start] == '[' {
		end = strings.LastIndex(cleaned, "]")
	} else {
		end = strings.LastIndex(cleaned, "}")
	}
	if end <= start {
		return errors.New("unterminated JSON payload in model output")
	}
	return json.Unmarshal([]byte(cleaned[start:end+1]), out)
}

func floatPtr(v float64) *float64 {
	return &v
}
