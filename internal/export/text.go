package export

import (
	"fmt"
	"strings"

	"github.com/RichardoC/chatrooms/internal/models"
)

// Text renders the plain-text transcript served as the room "manual".
func Text(room models.Room, messages []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s transcript\n\n", heading(room))
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", roleLabel(m.Role), m.Content)
	}
	return b.String()
}

func TextFilename(roomID string) string {
	return fmt.Sprintf("manual_%s.txt", roomID)
}
