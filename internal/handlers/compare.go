package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/pipeline"
)

// ToolTypeCompare tags nodes handled by the comparison handler.
const ToolTypeCompare = "compare"

type compareConfig struct {
	Aspects []string `json:"aspects" validate:"omitempty,min=1,dive,required"`
}

type comparison struct {
	Similarities []string `json:"similarities"`
	Differences  []string `json:"differences"`
	Confidence   float64  `json:"confidence"`
}

// CompareHandler compares the primary document against each supplementary
// document (one model call per pair), unions the findings and, when more
// than one comparison ran, issues a synthesis call for the overall verdict.
type CompareHandler struct {
	baseHandler
}

// NewCompareHandler builds the comparison handler.
func NewCompareHandler(service playbook.CompletionService, opts ...Option) *CompareHandler {
	meta := playbook.HandlerMetadata{
		Name:            "Document Comparer",
		Version:         "1.0.2",
		InputMediaTypes: []string{"text/plain"},
		Parameters: []playbook.ParameterSpec{
			{Name: "aspects", Type: "array"},
		},
	}
	return &CompareHandler{
		baseHandler: newBase("compare-v1", []string{ToolTypeCompare}, meta, service, opts...),
	}
}

// Validate additionally requires at least one supplementary document to
// compare against.
func (h *CompareHandler) Validate(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) playbook.ValidationResult {
	errs := validateContext(execCtx)
	if len(execCtx.Supplementary) == 0 {
		errs = append(errs, "at least one supplementary document is required for comparison")
	}
	var cfg compareConfig
	if result := pipeline.DecodeConfig(node.Configuration, &cfg); !result.IsValid {
		errs = append(errs, result.Errors...)
	}
	if len(errs) > 0 {
		return playbook.Invalid(errs...)
	}
	return playbook.Valid()
}

func (h *CompareHandler) Execute(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) (*playbook.ToolResult, error) {
	start := time.Now()

	var cfg compareConfig
	if result := pipeline.DecodeConfig(node.Configuration, &cfg); !result.IsValid {
		res := h.newResult(node, start, 0, 0, 0)
		res.ErrorCode = playbook.ErrCodeValidation
		res.ErrorMessage = strings.Join(result.Errors, "; ")
		return res, nil
	}
	if len(execCtx.Supplementary) == 0 {
		res := h.newResult(node, start, 0, 0, 0)
		res.ErrorCode = playbook.ErrCodeValidation
		res.ErrorMessage = "at least one supplementary document is required for comparison"
		return res, nil
	}

	var similarities, differences []string
	var confidences []float64
	var modelCalls, inTokens, outTokens int

	err := pipeline.ForEachChunk(ctx, execCtx.Supplementary, func(ctx context.Context, i int, other string) error {
		resp, callErr := h.service.Complete(ctx, playbook.CompletionRequest{
			Prompt: h.pairPrompt(cfg, execCtx.DocumentText, other, i),
			Model:  h.model,
		})
		if callErr != nil {
			return callErr
		}
		modelCalls++
		inTokens += resp.InputTokens
		outTokens += resp.OutputTokens

		var cmp comparison
		if parseErr := decodeModelJSON(resp.Text, &cmp); parseErr != nil {
			// Prose answers contribute nothing; the node still succeeds.
			h.logger.Warn("unparseable comparison output, skipping pair",
				"handler", h.id, "node", node.ID, "error", parseErr)
			return nil
		}
		similarities = append(similarities, cmp.Similarities...)
		differences = append(differences, cmp.Differences...)
		confidences = append(confidences, playbook.ClampConfidence(cmp.Confidence))
		return nil
	})
	if err != nil {
		if playbook.HasCode(err, playbook.ErrCodeCancelled) {
			return h.cancelledResult(node, start, modelCalls), nil
		}
		return h.failureResult(node, start, modelCalls, inTokens, outTokens, err), nil
	}

	similarities = dedupeStrings(similarities)
	differences = dedupeStrings(differences)

	summary := ""
	if modelCalls > 1 {
		resp, synthErr := h.service.Complete(ctx, playbook.CompletionRequest{
			Prompt: h.synthesisPrompt(similarities, differences),
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
	} else {
		summary = fmt.Sprintf("%d similarities, %d differences", len(similarities), len(differences))
	}

	res := h.newResult(node, start, modelCalls, inTokens, outTokens)
	res.Success = true
	res.Summary = summary
	res.Confidence = pipeline.MeanConfidence(confidences)
	res.Data = map[string]interface{}{
		"similarities":   similarities,
		"differences":    differences,
		"compared_count": len(execCtx.Supplementary),
	}
	return res, nil
}

// dedupeStrings removes case-insensitive duplicates preserving first-seen
// order.
func dedupeStrings(in []string) []string {
	return pipeline.DedupeMaxConfidence(in,
		func(s string) string { return strings.ToLower(strings.TrimSpace(s)) },
		func(string) float64 { return 0 })
}

func (h *CompareHandler) pairPrompt(cfg compareConfig, primary, other string, index int) string {
	var b strings.Builder
	b.WriteString("Compare the primary document against the reference document.\n")
	if len(cfg.Aspects) > 0 {
		fmt.Fprintf(&b, "Compare only these aspects: %s.\n", strings.Join(cfg.Aspects, ", "))
	}
	b.WriteString(`Respond with JSON: {"similarities": [...], "differences": [...], "confidence": 0.0}. No prose.` + "\n\n")
	fmt.Fprintf(&b, "Primary document:\n%s\n\nReference document %d:\n%s\n", primary, index+1, other)
	return b.String()
}

func (h *CompareHandler) synthesisPrompt(similarities, differences []string) string {
	var b strings.Builder
	b.WriteString("Write a short verdict summarizing how the primary document relates to the reference documents, given these findings.\n\n")
	fmt.Fprintf(&b, "Similarities:\n- %s\n\n", strings.Join(similarities, "\n- "))
	fmt.Fprintf(&b, "Differences:\n- %s\n", strings.Join(differences, "\n- "))
	return b.String()
}
