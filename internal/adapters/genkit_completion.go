// Package adapters bridges external AI frameworks onto the engine's
// collaborator interfaces.
package adapters

import (
	"context"

	"github.com/firebase/genkit/go/core"

	playbook "github.com/parchmint/playbook-engine"
)

// CompletionFlowInput is the expected input structure for a Genkit
// completion flow.
type CompletionFlowInput struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

// GenkitCompletionAdapter uses a Genkit Flow to implement the
// playbook.CompletionService interface, for deployments that route model
// calls through Genkit instead of a raw provider client.
type GenkitCompletionAdapter struct {
	completionFlow *core.Flow[*CompletionFlowInput, string, struct{}]
}

// NewGenkitCompletionAdapter creates a new adapter for the completion flow.
func NewGenkitCompletionAdapter(flow *core.Flow[*CompletionFlowInput, string, struct{}]) *GenkitCompletionAdapter {
	return &GenkitCompletionAdapter{completionFlow: flow}
}

// Complete implements the playbook.CompletionService interface.
func (a *GenkitCompletionAdapter) Complete(ctx context.Context, req playbook.CompletionRequest) (*playbook.CompletionResponse, error) {
	if a.completionFlow == nil {
		return nil, playbook.NewConfigurationError("completion flow is not configured", nil)
	}

	input := CompletionFlowInput{
		Prompt:      req.Prompt,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	text, err := a.completionFlow.Run(ctx, &input)
	if err != nil {
		return nil, playbook.NewInternalError("execution", "completion flow execution failed", err)
	}

	// Genkit flows return the full text in one shot; token usage is not
	// exposed through the flow surface.
	return &playbook.CompletionResponse{Text: text}, nil
}

// CompleteStream implements the playbook.CompletionService interface. The
// flow surface has no incremental output, so the full text is delivered as a
// single chunk.
func (a *GenkitCompletionAdapter) CompleteStream(ctx context.Context, req playbook.CompletionRequest, fn func(chunk string) error) error {
	resp, err := a.Complete(ctx, req)
	if err != nil {
		return err
	}
	return fn(resp.Text)
}
