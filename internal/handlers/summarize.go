package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/pipeline"
)

// ToolTypeSummarize tags nodes handled by the summarization handler.
const ToolTypeSummarize = "summarize"

type summarizeConfig struct {
	MaxLength  int      `json:"max_length" validate:"omitempty,gt=0"`
	Style      string   `json:"style" validate:"omitempty,oneof=brief detailed bullet_points"`
	FocusAreas []string `json:"focus_areas"`
}

// SummarizeHandler produces a coherent summary of the document. Oversized
// documents are summarized chunk by chunk, then a synthesis call merges the
// partial summaries into one output.
type SummarizeHandler struct {
	baseHandler
}

// NewSummarizeHandler builds the summarization handler.
func NewSummarizeHandler(service playbook.CompletionService, opts ...Option) *SummarizeHandler {
	meta := playbook.HandlerMetadata{
		Name:            "Document Summarizer",
		Version:         "1.2.0",
		InputMediaTypes: []string{"text/plain"},
		Parameters: []playbook.ParameterSpec{
			{Name: "max_length", Type: "number", Default: 500, Min: floatPtr(1)},
			{Name: "style", Type: "string", Default: "brief", Enum: []string{"brief", "detailed", "bullet_points"}},
			{Name: "focus_areas", Type: "array"},
		},
	}
	return &SummarizeHandler{
		baseHandler: newBase("summarize-v1", []string{ToolTypeSummarize}, meta, service, opts...),
	}
}

// Validate checks the execution context and the node configuration without
// touching the model.
func (h *SummarizeHandler) Validate(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) playbook.ValidationResult {
	errs := validateContext(execCtx)
	var cfg summarizeConfig
	if result := pipeline.DecodeConfig(node.Configuration, &cfg); !result.IsValid {
		errs = append(errs, result.Errors...)
	}
	if len(errs) > 0 {
		return playbook.Invalid(errs...)
	}
	return playbook.Valid()
}

// Execute summarizes the document. A document above the chunking threshold
// costs one call per chunk plus one synthesis call.
func (h *SummarizeHandler) Execute(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) (*playbook.ToolResult, error) {
	start := time.Now()

	cfg := summarizeConfig{MaxLength: 500, Style: "brief"}
	if result := pipeline.DecodeConfig(node.Configuration, &cfg); !result.IsValid {
		res := h.newResult(node, start, 0, 0, 0)
		res.ErrorCode = playbook.ErrCodeValidation
		res.ErrorMessage = strings.Join(result.Errors, "; ")
		return res, nil
	}

	chunks, err := h.chunker.Split(execCtx.DocumentText)
	if err != nil {
		return h.failureResult(node, start, 0, 0, 0, err), nil
	}

	partials := make([]string, 0, len(chunks))
	confidences := make([]float64, 0, len(chunks))
	var modelCalls, inTokens, outTokens int

	err = pipeline.ForEachChunk(ctx, chunks, func(ctx context.Context, i int, chunk string) error {
		resp, callErr := h.service.Complete(ctx, playbook.CompletionRequest{
			Prompt: h.chunkPrompt(cfg, chunk, i, len(chunks)),
			Model:  h.model,
		})
		if callErr != nil {
			return callErr
		}
		modelCalls++
		inTokens += resp.InputTokens
		outTokens += resp.OutputTokens
		text := strings.TrimSpace(resp.Text)
		partials = append(partials, text)
		if text != "" {
			confidences = append(confidences, 1.0)
		} else {
			confidences = append(confidences, 0.0)
		}
		return nil
	})
	if err != nil {
		if playbook.HasCode(err, playbook.ErrCodeCancelled) {
			return h.cancelledResult(node, start, modelCalls), nil
		}
		return h.failureResult(node, start, modelCalls, inTokens, outTokens, err), nil
	}

	summary := partials[0]
	if len(partials) > 1 {
		resp, synthErr := h.service.Complete(ctx, playbook.CompletionRequest{
			Prompt: h.synthesisPrompt(cfg, partials),
			Model:  h.model,
		})
		if synthErr != nil {
			if ctx.Err() != nil || playbook.HasCode(synthErr, playbook.ErrCodeCancelled) {
				return h.cancelledResult(node, start, modelCalls), nil
			}
			return h.failureResult(node, start, modelCalls, inTokens, outTokens, synthErr), nil
		}
		modelCalls++
		inTokens += resp.InputTokens
		outTokens += resp.OutputTokens
		summary = strings.TrimSpace(resp.Text)
	}

	res := h.newResult(node, start, modelCalls, inTokens, outTokens)
	res.Success = true
	res.Summary = summary
	res.Confidence = pipeline.MeanConfidence(confidences)
	res.Data = map[string]interface{}{
		"chunk_count": len(chunks),
		"style":       cfg.Style,
	}
	return res, nil
}

func (h *SummarizeHandler) chunkPrompt(cfg summarizeConfig, chunk string, index, total int) string {
	var b strings.Builder
	if total > 1 {
		fmt.Fprintf(&b, "Summarize part %d of %d of a document.\n", index+1, total)
	} else {
		b.WriteString("Summarize the following document.\n")
	}
	fmt.Fprintf(&b, "Style: %s. Maximum length: %d words.\n", cfg.Style, cfg.MaxLength)
	if len(cfg.FocusAreas) > 0 {
		fmt.Fprintf(&b, "Focus on: %s.\n", strings.Join(cfg.FocusAreas, ", "))
	}
	b.WriteString("\n")
	b.WriteString(chunk)
	return b.String()
}

func (h *SummarizeHandler) synthesisPrompt(cfg summarizeConfig, partials []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Combine the following %d partial summaries into one coherent %s summary of at most %d words.\n\n", len(partials), cfg.Style, cfg.MaxLength)
	for i, p := range partials {
		fmt.Fprintf(&b, "Part %d:\n%s\n\n", i+1, p)
	}
	return b.String()
}
