package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/RichardoC/chatrooms/internal/models"
)

// OpenAIClient streams chat completions with go-openai.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Client = &OpenAIClient{}

func NewOpenAIClient(baseURL, apiKey, model string) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" && strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("llm: go-openai needs an API key or a base URL")
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    c.model,
			Messages: toChatMessages(turns),
			Stream:   true,
		})
		if err != nil {
			yield("", wrap("create stream", err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", wrap("receive", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

func toChatMessages(turns []models.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		switch t.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return msgs
}
