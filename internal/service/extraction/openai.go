package extraction

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIVision calls an OpenAI-compatible vision chat-completion endpoint.
// The image reference handed to DescribeImage is the media URL the channel
// adapter received in its webhook payload.
type OpenAIVision struct {
	client *openai.Client
	model  string
}

// NewOpenAIVision builds the vision client. baseURL is optional and supports
// OpenAI-compatible gateways.
func NewOpenAIVision(apiKey, baseURL, model string) *OpenAIVision {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIVision{client: openai.NewClientWithConfig(cfg), model: model}
}

// DescribeImage sends the prompt with the image attached and returns the
// model's text reply.
func (c *OpenAIVision) DescribeImage(ctx context.Context, prompt, imageRef string) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: imageRef},
					},
				},
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("vision completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("vision completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
