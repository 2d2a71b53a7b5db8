package refiner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

const defaultSystemPrompt = `You rewrite rough task instructions into precise,
self-contained prompts for a command-line coding agent. Correct typos, expand
shorthand, keep the user's intent, and answer with the rewritten prompt only.`

// OpenAIRefiner refines instructions through an OpenAI-compatible chat API
type OpenAIRefiner struct {
	client       *openai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

// NewOpenAIRefiner builds a refiner for the given model. baseURL overrides
// the API endpoint for OpenAI-compatible providers; empty means the default.
func NewOpenAIRefiner(apiKey, baseURL, model string, logger *slog.Logger) *OpenAIRefiner {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIRefiner{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		systemPrompt: defaultSystemPrompt,
		logger:       logger,
	}
}

// Refine normalizes the raw text and asks the model for an execution-ready
// prompt
func (r *OpenAIRefiner) Refine(ctx context.Context, raw string) (string, error) {
	normalized := Normalize(raw)
	if normalized == "" {
		return "", &RefinementError{Err: fmt.Errorf("instruction is empty after normalization")}
	}

	temperature := float32(0.3)
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: &temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: normalized},
		},
	})
	if err != nil {
		return "", &RefinementError{Err: fmt.Errorf("chat completion: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", &RefinementError{Err: fmt.Errorf("chat completion returned no choices")}
	}

	refined := strings.TrimSpace(resp.Choices[0].Message.Content)
	if refined == "" {
		return "", &RefinementError{Err: fmt.Errorf("chat completion returned an empty prompt")}
	}

	r.logger.Debug("instruction refined",
		"model", r.model, "raw_len", len(raw), "refined_len", len(refined))

	return refined, nil
}
