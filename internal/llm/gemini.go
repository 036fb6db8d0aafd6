package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/RichardoC/chatrooms/internal/models"
)

// GeminiClient streams completions from the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

var _ Client = &GeminiClient{}

func NewGeminiClient(ctx context.Context, apiKey, endpoint, model string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: gemini API key must not be empty")
	}
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(endpoint) != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (c *GeminiClient) Model() string { return c.model }

func (c *GeminiClient) Close() error { return c.client.Close() }

func (c *GeminiClient) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		system, history, last, err := splitGeminiTurns(turns)
		if err != nil {
			yield("", &Error{Kind: KindUpstream, Op: "prepare", Err: err})
			return
		}

		model := c.client.GenerativeModel(c.model)
		if system != "" {
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
		}
		cs := model.StartChat()
		cs.History = history

		it := cs.SendMessageStream(ctx, genai.Text(last))
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", wrap("receive", err))
				return
			}
			text := geminiText(resp)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// splitGeminiTurns separates the system instruction and the final user turn
// from the chat history Gemini expects.
func splitGeminiTurns(turns []models.Turn) (system string, history []*genai.Content, last string, err error) {
	var rest []models.Turn
	for _, t := range turns {
		if t.Role == models.RoleSystem {
			system = t.Content
			continue
		}
		rest = append(rest, t)
	}
	last, ok := lastUserTurn(rest)
	if !ok {
		return "", nil, "", errors.New("conversation must end with a user turn")
	}
	for _, t := range rest[:len(rest)-1] {
		role := "user"
		if t.Role == models.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Content)}})
	}
	return system, history, last, nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		// only the first candidate is part of the reply
		break
	}
	return b.String()
}
