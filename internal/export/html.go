package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/RichardoC/chatrooms/internal/models"
)

const timestampLayout = "2006-01-02 15:04:05 MST"

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; }
section { border-bottom: 1px solid #ddd; padding: 0.5rem 0; }
.role { font-weight: bold; }
.time { color: #777; font-size: 0.8rem; margin-left: 0.5rem; }
.plain { white-space: pre-wrap; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{- range .Messages}}
<section class="{{.Role}}">
<div><span class="role">{{.Label}}</span><span class="time">{{.Time}}</span></div>
{{- if .Rendered}}
<div class="content">{{.Rendered}}</div>
{{- else}}
<p class="content plain">{{.Text}}</p>
{{- end}}
</section>
{{- end}}
</body>
</html>
`))

type htmlMessage struct {
	Role     string
	Label    string
	Time     string
	Text     string
	Rendered template.HTML
}

// HTML renders a room transcript as a standalone document. User text is
// escaped verbatim; assistant text is rendered as Markdown.
func HTML(room models.Room, messages []models.Message) ([]byte, error) {
	data := struct {
		Title    string
		Messages []htmlMessage
	}{
		Title:    heading(room),
		Messages: make([]htmlMessage, 0, len(messages)),
	}

	for _, m := range messages {
		hm := htmlMessage{
			Role:  string(m.Role),
			Label: roleLabel(m.Role),
			Time:  formatTime(m.CreatedAt),
			Text:  m.Content,
		}
		if m.Role == models.RoleAssistant && m.Content != "" {
			var buf bytes.Buffer
			if err := markdown.Convert([]byte(m.Content), &buf); err != nil {
				return nil, fmt.Errorf("export: render message %s: %w", m.ID, err)
			}
			// raw HTML in the reply comes out escaped, see escapedHTMLRenderer
			hm.Rendered = template.HTML(buf.String())
		}
		data.Messages = append(data.Messages, hm)
	}

	var out bytes.Buffer
	if err := transcriptTemplate.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("export: render transcript: %w", err)
	}
	return out.Bytes(), nil
}

func HTMLFilename(roomID string) string {
	return fmt.Sprintf("chat_%s.html", roomID)
}

func heading(room models.Room) string {
	if room.Title != "" {
		return "Chat room " + room.Title
	}
	return "Chat room " + room.ID
}

func roleLabel(r models.Role) string {
	if r == models.RoleUser {
		return "User"
	}
	return "Assistant"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}
