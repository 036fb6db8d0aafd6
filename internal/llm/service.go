package llm

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/RichardoC/chatrooms/internal/models"
)

// errConsumerGone is returned from the streaming func to make langchaingo
// abandon the response once the consumer stops ranging.
var errConsumerGone = errors.New("llm: consumer stopped reading")

// Service is the default provider: any OpenAI-compatible endpoint through
// langchaingo.
type Service struct {
	llm   llms.Model
	model string
}

var _ Client = &Service{}

func NewService(baseURL, token, model string) (*Service, error) {
	if strings.TrimSpace(token) == "" && strings.TrimSpace(baseURL) != "" {
		// local OpenAI-compatible servers ignore the key but langchaingo wants one
		token = "unused"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Service{llm: llm, model: model}, nil
}

func (s *Service) Model() string { return s.model }

func (s *Service) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		_, err := s.llm.GenerateContent(ctx, toMessageContent(turns),
			llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				if !yield(string(chunk), nil) {
					stopped = true
					return errConsumerGone
				}
				return nil
			}),
		)
		if stopped {
			return
		}
		if err != nil {
			yield("", wrap("generate", err))
		}
	}
}

func toMessageContent(turns []models.Turn) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		var role llms.ChatMessageType
		switch t.Role {
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(role, t.Content))
	}
	return content
}
