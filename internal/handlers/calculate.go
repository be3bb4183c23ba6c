package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/pipeline"
)

// ToolTypeCalculate tags nodes handled by the calculation handler.
const ToolTypeCalculate = "calculate"

type calculateConfig struct {
	BaseCurrency string             `json:"base_currency" validate:"omitempty,len=3,uppercase"`
	Rates        map[string]float64 `json:"rates"`
	Formula      string             `json:"formula"`
}

type extractedAmount struct {
	Category   string  `json:"category"`
	Currency   string  `json:"currency"`
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// CalculateHandler extracts monetary amounts from the document and computes
// per-category totals in the base currency, optionally evaluating a
// user-supplied formula over the totals. Unlike the tolerant handlers, this
// one parses model output strictly: numbers that cannot be trusted must not
// be summed, so unparseable output fails the node with an internal error.
type CalculateHandler struct {
	baseHandler
}

// NewCalculateHandler builds the calculation handler.
func NewCalculateHandler(service playbook.CompletionService, opts ...Option) *CalculateHandler {
	meta := playbook.HandlerMetadata{
		Name:            "Amount Calculator",
		Version:         "2.0.1",
		InputMediaTypes: []string{"text/plain"},
		Parameters: []playbook.ParameterSpec{
			{Name: "base_currency", Type: "string", Default: "USD"},
			{Name: "rates", Type: "object"},
			{Name: "formula", Type: "string"},
		},
	}
	return &CalculateHandler{
		baseHandler: newBase("calculate-v1", []string{ToolTypeCalculate}, meta, service, opts...),
	}
}

// Validate checks the context, configuration tags and that any formula at
// least parses, all without a model call.
func (h *CalculateHandler) Validate(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) playbook.ValidationResult {
	errs := validateContext(execCtx)
	var cfg calculateConfig
	if result := pipeline.DecodeConfig(node.Configuration, &cfg); !result.IsValid {
		errs = append(errs, result.Errors...)
	} else if cfg.Formula != "" {
		if _, err := govaluate.NewEvaluableExpression(cfg.Formula); err != nil {
			errs = append(errs, fmt.Sprintf("invalid formula: %v", err))
		}
	}
	if len(errs) > 0 {
		return playbook.Invalid(errs...)
	}
	return playbook.Valid()
}

func (h *CalculateHandler) Execute(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) (*playbook.ToolResult, error) {
	start := time.Now()

	cfg := calculateConfig{BaseCurrency: "USD"}
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

	var amounts []extractedAmount
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

		var chunkAmounts []extractedAmount
		if parseErr := decodeModelJSON(resp.Text, &chunkAmounts); parseErr != nil {
			return playbook.NewInternalError("execution",
				fmt.Sprintf("unparseable calculation output: %v", parseErr), parseErr)
		}
		amounts = append(amounts, chunkAmounts...)
		return nil
	})
	if err != nil {
		if playbook.HasCode(err, playbook.ErrCodeCancelled) {
			return h.cancelledResult(node, start, modelCalls), nil
		}
		return h.failureResult(node, start, modelCalls, inTokens, outTokens, err), nil
	}

	items := make([]pipeline.Amount, len(amounts))
	confidences := make([]float64, len(amounts))
	for i, a := range amounts {
		items[i] = pipeline.Amount{Category: a.Category, Currency: strings.ToUpper(a.Currency), Value: a.Value}
		confidences[i] = playbook.ClampConfidence(a.Confidence)
	}

	convert := pipeline.StaticRates(cfg.BaseCurrency, cfg.Rates)
	totals, unconverted := pipeline.TotalsByCategory(items, convert)
	grandTotal := pipeline.GrandTotal(totals)

	data := map[string]interface{}{
		"totals":        totals,
		"total":         grandTotal,
		"by_currency":   pipeline.TotalsByCurrency(items),
		"base_currency": cfg.BaseCurrency,
		"item_count":    len(items),
	}
	if len(unconverted) > 0 {
		data["unconverted_currencies"] = unconverted
	}

	if cfg.Formula != "" {
		value, evalErr := h.evaluateFormula(cfg.Formula, totals, grandTotal)
		if evalErr != nil {
			return h.failureResult(node, start, modelCalls, inTokens, outTokens, evalErr), nil
		}
		data["formula_result"] = value
	}

	res := h.newResult(node, start, modelCalls, inTokens, outTokens)
	res.Success = true
	res.Confidence = pipeline.MeanConfidence(confidences)
	res.Summary = fmt.Sprintf("total %.2f %s across %d categories", grandTotal, cfg.BaseCurrency, len(totals))
	res.Data = data
	return res, nil
}

// evaluateFormula runs the configured expression with each category total
// and the grand total bound as parameters.
func (h *CalculateHandler) evaluateFormula(formula string, totals map[string]float64, grandTotal float64) (float64, error) {
	expr, err := govaluate.NewEvaluableExpression(formula)
	if err != nil {
		return 0, playbook.NewValidationError("execution", fmt.Sprintf("invalid formula: %v", err), err)
	}

	params := make(map[string]interface{}, len(totals)+1)
	for category, total := range totals {
		params[parameterName(category)] = total
	}
	params["total"] = grandTotal

	raw, err := expr.Evaluate(params)
	if err != nil {
		return 0, playbook.NewInternalError("execution", fmt.Sprintf("formula evaluation failed: %v", err), err)
	}
	value, ok := raw.(float64)
	if !ok {
		return 0, playbook.NewInternalError("execution", fmt.Sprintf("formula produced %T, want number", raw), nil)
	}
	return value, nil
}

// parameterName turns a free-form category label into a valid expression
// identifier.
func parameterName(category string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ', r == '-':
			return '_'
		default:
			return -1
		}
	}, category)
	if mapped == "" {
		return "uncategorized"
	}
	return mapped
}

func (h *CalculateHandler) prompt(cfg calculateConfig, chunk string) string {
	var b strings.Builder
	b.WriteString("Extract every monetary amount from the document below with its spending category and ISO currency code.\n")
	b.WriteString(`Respond with a JSON array: [{"category": "...", "currency": "USD", "value": 0.0, "confidence": 0.0}]. No prose.` + "\n\n")
	b.WriteString(chunk)
	return b.String()
}
