package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
)

// StreamHandler receives text deltas during streaming.
type StreamHandler func(delta string)

// ChatCompletionStream sends a streaming chat completion request.
// The handler is called with each text delta as it arrives.
// Returns the full response once streaming is complete.
func (c *OpenAICompatClient) ChatCompletionStream(ctx context.Context, messages []Message, handler StreamHandler) (*Response, error) {
	params := c.params(messages)

	var stream *ssestream.Stream[openai.ChatCompletionChunk]
	var err error
	for attempt := range 3 {
		stream = c.client.Chat.Completions.NewStreaming(ctx, params)
		err = stream.Err()
		if err == nil {
			break
		}
		if !rateLimited(err) || attempt == 2 {
			return nil, fmt.Errorf("chat completion stream: %w", err)
		}
		stream.Close()
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, fmt.Errorf("chat completion stream: %w", err)
		}
	}
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		// Send text deltas to handler
		if len(chunk.Choices) > 0 && handler != nil {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				handler(delta)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("streaming: %w", err)
	}

	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	return &Response{
		Message: AssistantMessage(acc.Choices[0].Message.Content),
		Usage: Usage{
			PromptTokens:     acc.Usage.PromptTokens,
			CompletionTokens: acc.Usage.CompletionTokens,
		},
	}, nil
}
