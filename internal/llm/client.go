package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/RichardoC/chatrooms/internal/models"
)

const (
	ProviderOpenAI   = "openai"
	ProviderGoOpenAI = "go-openai"
	ProviderGemini   = "gemini"
	ProviderEcho     = "echo"
)

// Client streams a completion for an ordered conversation.
//
// The returned sequence is lazy, finite and not restartable. It yields each
// text fragment with a nil error; a failure is yielded once as ("", err) and
// ends the sequence. Stopping the range loop early stops the upstream call.
type Client interface {
	Stream(ctx context.Context, turns []models.Turn) iter.Seq2[string, error]
	Model() string
}

type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	// EchoDelay paces the echo provider between characters.
	EchoDelay time.Duration
}

// New builds the Client named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider != ProviderEcho && strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model must not be empty")
	}
	switch provider {
	case ProviderOpenAI, "":
		return NewService(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case ProviderGoOpenAI:
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case ProviderGemini:
		return NewGeminiClient(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model)
	case ProviderEcho:
		return NewEchoClient(cfg.EchoDelay), nil
	default:
		return nil, fmt.Errorf("llm: unknown completion provider %q", cfg.Provider)
	}
}

// lastUserTurn returns the content of the final turn when it is a user turn.
func lastUserTurn(turns []models.Turn) (string, bool) {
	if len(turns) == 0 || turns[len(turns)-1].Role != models.RoleUser {
		return "", false
	}
	return turns[len(turns)-1].Content, true
}
