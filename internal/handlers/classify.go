package handlers

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/pipeline"
)

// ToolTypeClassify tags nodes handled by the classification handler.
const ToolTypeClassify = "classify"

// UnknownCategory is reported when the model's answer cannot be mapped onto
// a declared category.
const UnknownCategory = "Unknown"

type classifyConfig struct {
	Categories []string `json:"categories" validate:"required,min=1,dive,required"`
}

type classifyVote struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// ClassifyHandler assigns the document to one of the configured categories.
// Each chunk casts a vote; the label with the most votes wins, ties broken by
// higher confidence. A model answer outside the declared set, or one that
// cannot be parsed, degrades to "Unknown" without failing the node.
type ClassifyHandler struct {
	baseHandler
}

// NewClassifyHandler builds the classification handler.
func NewClassifyHandler(service playbook.CompletionService, opts ...Option) *ClassifyHandler {
	meta := playbook.HandlerMetadata{
		Name:            "Document Classifier",
		Version:         "1.1.0",
		InputMediaTypes: []string{"text/plain"},
		Parameters: []playbook.ParameterSpec{
			{Name: "categories", Type: "array", Required: true},
		},
	}
	return &ClassifyHandler{
		baseHandler: newBase("classify-v1", []string{ToolTypeClassify}, meta, service, opts...),
	}
}

func (h *ClassifyHandler) Validate(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) playbook.ValidationResult {
	errs := validateContext(execCtx)
	var cfg classifyConfig
	if result := pipeline.DecodeConfig(node.Configuration, &cfg); !result.IsValid {
		errs = append(errs, result.Errors...)
	}
	if len(errs) > 0 {
		return playbook.Invalid(errs...)
	}
	return playbook.Valid()
}

func (h *ClassifyHandler) Execute(ctx context.Context, execCtx playbook.ToolExecutionContext, node *playbook.Node) (*playbook.ToolResult, error) {
	start := time.Now()

	var cfg classifyConfig
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

	var votes []classifyVote
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

		var vote classifyVote
		if parseErr := decodeModelJSON(resp.Text, &vote); parseErr != nil {
			votes = append(votes, classifyVote{Category: UnknownCategory})
			return nil
		}
		if !slices.Contains(cfg.Categories, vote.Category) {
			vote = classifyVote{Category: UnknownCategory}
		}
		vote.Confidence = playbook.ClampConfidence(vote.Confidence)
		votes = append(votes, vote)
		return nil
	})
	if err != nil {
		if playbook.HasCode(err, playbook.ErrCodeCancelled) {
			return h.cancelledResult(node, start, modelCalls), nil
		}
		return h.failureResult(node, start, modelCalls, inTokens, outTokens, err), nil
	}

	winner, confidence := tallyVotes(votes)

	res := h.newResult(node, start, modelCalls, inTokens, outTokens)
	res.Success = true
	res.Confidence = confidence
	res.Summary = fmt.Sprintf("classified as %s", winner)
	res.Data = map[string]interface{}{
		"category":   winner,
		"categories": cfg.Categories,
		"votes":      votes,
	}
	return res, nil
}

// tallyVotes picks the most-voted category, breaking ties by the higher
// maximum confidence. The returned confidence is the mean over the winning
// label's votes.
func tallyVotes(votes []classifyVote) (string, float64) {
	if len(votes) == 0 {
		return UnknownCategory, 0
	}

	counts := make(map[string]int)
	maxConf := make(map[string]float64)
	byLabel := make(map[string][]float64)
	for _, v := range votes {
		counts[v.Category]++
		if v.Confidence > maxConf[v.Category] {
			maxConf[v.Category] = v.Confidence
		}
		byLabel[v.Category] = append(byLabel[v.Category], v.Confidence)
	}

	winner := ""
	for label := range counts {
		if winner == "" {
			winner = label
			continue
		}
		switch {
		case counts[label] > counts[winner]:
			winner = label
		case counts[label] == counts[winner] && maxConf[label] > maxConf[winner]:
			winner = label
		case counts[label] == counts[winner] && maxConf[label] == maxConf[winner] && label < winner:
			// deterministic on full ties
			winner = label
		}
	}

	return winner, pipeline.MeanConfidence(byLabel[winner])
}

func (h *ClassifyHandler) prompt(cfg classifyConfig, chunk string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify the document below into exactly one of these categories: %s.\n", strings.Join(cfg.Categories, ", "))
	b.WriteString(`Respond with JSON: {"category": "...", "confidence": 0.0}. No prose.` + "\n\n")
	b.WriteString(chunk)
	return b.String()
}
