package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrEmptyCompletion is returned when the model produced no usable text.
// Callers treat it the same as any other generation failure.
var ErrEmptyCompletion = errors.New("empty completion")

// Generator is the text-generation collaborator. Implementations may be
// slow or return garbage; every caller wraps Generate in its own timeout
// policy and must treat an empty string like an error.
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt string, maxTokens int) (string, error)
}

type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float64
	timeout     time.Duration
	logger      *zap.Logger
}

func NewOpenAIGenerator(apiKey, model string, temperature float64, timeout time.Duration, logger *zap.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{
		client:      openai.NewClient(apiKey),
		model:       model,
		temperature: temperature,
		timeout:     timeout,
		logger:      logger,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt, systemPrompt string, maxTokens int) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := g.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       g.model,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: float32(g.temperature),
		},
	)
	if err != nil {
		g.logger.Error("Failed to get completion", zap.Error(err))
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
