package completion

import (
	"fmt"
	"regexp"
	"strings"

	"TalquiChat/internal/domain"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type prompt []turn

func (p prompt) text() string {
	var b strings.Builder
	for i, t := range p {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}

// buildPrompt renders the app template with inputs, then appends the
// newest maxHistory turns and the query.
func buildPrompt(template string, inputs map[string]any, history []domain.HistoryTurn, query string, maxHistory int) prompt {
	p := make(prompt, 0, len(history)+2)

	if system := strings.TrimSpace(renderTemplate(template, inputs)); system != "" {
		p = append(p, turn{Role: roleSystem, Content: system})
	}

	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	for _, h := range history {
		role := roleUser
		if strings.EqualFold(h.Role, roleAssistant) {
			role = roleAssistant
		}
		p = append(p, turn{Role: role, Content: h.Content})
	}

	return append(p, turn{Role: roleUser, Content: query})
}

// renderTemplate fills {{name}} placeholders; unknown names become empty.
func renderTemplate(template string, inputs map[string]any) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := inputs[name]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}
