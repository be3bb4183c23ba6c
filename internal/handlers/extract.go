package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/pipeline"
)

// ToolTypeExtract tags nodes handled by the field extraction handler.
const ToolTypeExtract = "extract"

type extractConfig struct {
	Fields []string `json:"fields" validate:"omitempty,min=1,dive,required"`
}

// ExtractedItem is one field/value pair pulled out of the document.
type ExtractedItem struct {
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractHandler pulls structured field/value pairs out of the document.
// Chunk results are unioned and de-duplicated by field+value, keeping the
// higher confidence on duplicates. Unparseable model output degrades to an
// empty successful result.
type ExtractHandler struct {
	baseHandler
}

// NewExtractHandler builds the extraction handler.
func NewExtractHandler(service playbook.CompletionService, opts ...Option) *ExtractHandler {
	meta := playbook.HandlerMetadata{
		Name:            "Field Extractor",
		Version:         "1.4.0",
		InputMediaTypes: []string{"text/plain"},
		Parameters: []playbook.ParameterSpec{
			{Name: "fields", Type: "array"},
		},
	}
	return &ExtractHandler{
		baseHandler: newBase("extract-v1", []string{ToolTypeExtract}, meta, service, opts...),
	}
}

func (h *ExtractHandler) Validate(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) playbook.ValidationResult {
	errs := validateContext(execCtx)
	var cfg extractConfig
	if result := pipeline.DecodeConfig(node.Configuration, &cfg); !result.IsValid {
		errs = append(errs, result.Errors...)
	}
	if len(errs) > 0 {
		return playbook.Invalid(errs...)
	}
	return playbook.Valid()
}

func (h *ExtractHandler) Execute(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) (*playbook.ToolResult, error) {
	start := time.Now()

	var cfg extractConfig
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

	var items []ExtractedItem
	var modelCalls, inTokens, outTokens int

	err = pipeline.ForEachChunk(ctx, chunks, func(ctx context.Context, _ int, chunk string) error {
		resp, callErr := h.service.Complete(ctx, playbook.CompletionRequest{
			Prompt: h.prompt(cfg, chunk),
			Model:  h.model,
		})
		if callErr != nil {
			return callErr
		}
		modelCalls++
		inTokens += resp.InputTokens
		outTokens += resp.OutputTokens

		var chunkItems []ExtractedItem
		if parseErr := decodeModelJSON(resp.Text, &chunkItems); parseErr != nil {
			// Tolerant parsing: a chunk the model answered in prose
			// contributes nothing rather than failing the node.
			h.logger.Warn("unparseable extraction output, skipping chunk",
				"handler", h.id, "node", node.ID, "error", parseErr)
			return nil
		}
		items = append(items, chunkItems...)
		return nil
	})
	if err != nil {
		if playbook.HasCode(err, playbook.ErrCodeCancelled) {
			return h.cancelledResult(node, start, modelCalls), nil
		}
		return h.failureResult(node, start, modelCalls, inTokens, outTokens, err), nil
	}

	for i := range items {
		items[i].Confidence = playbook.ClampConfidence(items[i].Confidence)
	}
	items = pipeline.DedupeMaxConfidence(items, itemKey, func(it ExtractedItem) float64 { return it.Confidence })

	confidences := make([]float64, len(items))
	for i, it := range items {
		confidences[i] = it.Confidence
	}

	res := h.newResult(node, start, modelCalls, inTokens, outTokens)
	res.Success = true
	res.Confidence = pipeline.MeanConfidence(confidences)
	res.Summary = fmt.Sprintf("extracted %d items", len(items))
	res.Data = map[string]interface{}{
		"items": items,
	}
	return res, nil
}

// itemKey is the semantic identity of an extracted item: same field and same
// normalized value means the same fact.
func itemKey(it ExtractedItem) string {
	return strings.ToLower(strings.TrimSpace(it.Field)) + "\x00" + strings.ToLower(strings.TrimSpace(it.Value))
}

func (h *ExtractHandler) prompt(cfg extractConfig, chunk string) string {
	var b strings.Builder
	b.WriteString("Extract structured fields from the document below.\n")
	if len(cfg.Fields) > 0 {
		fmt.Fprintf(&b, "Extract only these fields: %s.\n", strings.Join(cfg.Fields, ", "))
	}
	b.WriteString(`Respond with a JSON array of objects: [{"field": "...", "value": "...", "confidence": 0.0}]. No prose.` + "\n\n")
	b.WriteString(chunk)
	return b.String()
}
