package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/railwatch/railwatch/internal/utils"
)

// OpenAIClient implements Client on the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient constructs the OpenAI provider.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{client: openai.NewClient(apiKey), model: model}
}

// Name identifies the provider in logs and telemetry.
func (c *OpenAIClient) Name() string { return "openai" }

// Complete runs one chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	const op = "llm.openai.Complete"

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", utils.E(utils.KindTimeout, op, "completion timed out", err)
		}
		return "", utils.E(utils.KindProviderUnavailable, op, "completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", utils.E(utils.KindProviderUnavailable, op, "no choices returned", nil)
	}
	return resp.Choices[0].Message.Content, nil
}
