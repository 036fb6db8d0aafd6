package relay

import (
	"strings"

	"github.com/RichardoC/chatrooms/internal/models"
)

// BuildTurns maps stored messages onto the turns sent to the model.
//
// Empty messages are dropped and consecutive turns of the same role are
// merged, so the result alternates even when the store does not. When
// maxMessages is positive only the newest maxMessages messages are used.
func BuildTurns(messages []models.Message, systemPrompt string, maxMessages int) []models.Turn {
	truncated := false
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
		truncated = true
	}

	turns := make([]models.Turn, 0, len(messages)+1)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		turns = append(turns, models.Turn{Role: models.RoleSystem, Content: s})
	}
	first := len(turns)

	for _, m := range messages {
		if !m.Role.Valid() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if len(turns) > first && turns[len(turns)-1].Role == m.Role {
			turns[len(turns)-1].Content += "\n\n" + m.Content
			continue
		}
		if truncated && len(turns) == first && m.Role == models.RoleAssistant {
			// a window cut mid-exchange should not open with a reply
			continue
		}
		turns = append(turns, models.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// pendingPrompt reports whether the newest stored message is a user turn
// still waiting for a reply.
func pendingPrompt(messages []models.Message) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	return last.Role == models.RoleUser && strings.TrimSpace(last.Content) != ""
}
