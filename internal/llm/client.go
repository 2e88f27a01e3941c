// Package llm is a small client for OpenAI-compatible chat endpoints
// (OpenAI, Ollama, vLLM).
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// Client is the interface for LLM interactions.
type Client interface {
	ChatCompletion(ctx context.Context, messages []Message) (*Response, error)
	ChatCompletionStream(ctx context.Context, messages []Message, handler StreamHandler) (*Response, error)
}

// Options tunes sampling for every request a client makes.
type Options struct {
	Temperature float64
	MaxTokens   int64
	Logger      *zap.Logger
}

// OpenAICompatClient works with any OpenAI-compatible API.
type OpenAICompatClient struct {
	client *openai.Client
	model  string
	opts   Options
	logger *zap.Logger
}

// NewClient creates an LLM client for the given endpoint.
func NewClient(baseURL, apiKey, model string, opts Options) *OpenAICompatClient {
	if apiKey == "" {
		// The SDK requires a key; Ollama accepts any.
		apiKey = "ollama"
	}
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAICompatClient{
		client: &client,
		model:  model,
		opts:   opts,
		logger: logger,
	}
}

func (c *OpenAICompatClient) params(messages []Message) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convertMessages(messages),
	}
	if c.opts.Temperature > 0 {
		params.Temperature = openai.Float(c.opts.Temperature)
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(c.opts.MaxTokens)
	}
	return params
}

func (c *OpenAICompatClient) ChatCompletion(ctx context.Context, messages []Message) (*Response, error) {
	params := c.params(messages)

	var completion *openai.ChatCompletion
	var err error
	for attempt := range 3 {
		completion, err = c.client.Chat.Completions.New(ctx, params)
		if err == nil {
			break
		}
		if !rateLimited(err) || attempt == 2 {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	return &Response{
		Message: AssistantMessage(completion.Choices[0].Message.Content),
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}

func rateLimited(err error) bool {
	return strings.Contains(err.Error(), "429")
}

// backoff waits 2s, then 4s, before the next attempt.
func (c *OpenAICompatClient) backoff(ctx context.Context, attempt int) error {
	wait := time.Duration(2<<attempt) * time.Second
	c.logger.Info("rate limited, retrying", zap.Duration("wait", wait), zap.Int("attempt", attempt+1))
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		}
	}
	return out
}
