// Package llm provides the OpenAI-backed completion service.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	playbook "github.com/parchmint/playbook-engine"
)

// OpenAIService implements playbook.CompletionService against the OpenAI
// chat completion API.
type OpenAIService struct {
	client       *openai.Client
	defaultModel string
	systemPrompt string
	logger       *slog.Logger
}

// OpenAIOption configures the service.
type OpenAIOption func(*OpenAIService)

// WithSystemPrompt overrides the system role content.
func WithSystemPrompt(prompt string) OpenAIOption {
	return func(s *OpenAIService) {
		s.systemPrompt = prompt
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) OpenAIOption {
	return func(s *OpenAIService) {
		s.logger = logger
	}
}

// NewOpenAIService builds the service from the environment. The API key comes
// from OPENAI_API_KEY or the mounted container secret; the default model from
// OPENAI_MODEL.
func NewOpenAIService(opts ...OpenAIOption) (*OpenAIService, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, playbook.NewConfigurationError("OPENAI_API_KEY not set and secret not found", err)
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API key from container secrets")
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = openai.GPT4oMini
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	s := &OpenAIService{
		client:       openai.NewClient(apiKey),
		defaultModel: model,
		systemPrompt: "You are a document analysis assistant. Follow the output format instructions exactly.",
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Info("Initialized OpenAI completion service", "model", model)
	return s, nil
}

// Complete implements playbook.CompletionService.
func (s *OpenAIService) Complete(ctx context.Context, req playbook.CompletionRequest) (*playbook.CompletionResponse, error) {
	chatReq := s.chatRequest(req)

	resp, err := s.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		s.logger.Error("OpenAI API call failed", "model", chatReq.Model, "error", err)
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}

	s.logger.Debug("Received completion", "model", chatReq.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return &playbook.CompletionResponse{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// CompleteStream implements playbook.CompletionService, yielding incremental
// text deltas to fn.
func (s *OpenAIService) CompleteStream(ctx context.Context, req playbook.CompletionRequest, fn func(chunk string) error) error {
	stream, err := s.client.CreateChatCompletionStream(ctx, s.chatRequest(req))
	if err != nil {
		s.logger.Error("OpenAI stream open failed", "error", err)
		return fmt.Errorf("OpenAI stream open failed: %w", err)
	}
	defer stream.Close()

	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return nil
		}
		if recvErr != nil {
			return fmt.Errorf("OpenAI stream receive failed: %w", recvErr)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := fn(delta); err != nil {
			return err
		}
	}
}

func (s *OpenAIService) chatRequest(req playbook.CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: s.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	return chatReq
}
