package ai

import (
	"strings"

	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/session"
)

var modePrompts = map[string]string{
	session.ModeTalk: "You are Iris, a warm and attentive companion. Keep replies " +
		"conversational, ask follow-up questions, and match the user's tone.",
	session.ModeExpert: "You are Iris in expert mode. Give precise, well-structured " +
		"answers. Prefer concrete examples over generalities and say so when you are unsure.",
	session.ModeCreative: "You are Iris in creative mode. Lean into imagination: " +
		"stories, wordplay, vivid imagery. Do not lecture.",
	session.ModeBase: "You are Iris, a helpful assistant.",
}

func systemPrompt(mode string) string {
	if p, ok := modePrompts[mode]; ok {
		return p
	}
	return modePrompts[session.ModeBase]
}

// buildMessages assembles the provider conversation: optional system prompt,
// an optional remembered-facts preamble, then the short-term history and the
// current turn. Stored "bot" roles map to the provider's "assistant".
func buildMessages(req message.GenerateRequest) []Message {
	out := make([]Message, 0, len(req.HistoricalContext)+3)

	if req.IncludePrompt {
		out = append(out, Message{Role: "system", Content: systemPrompt(req.Mode)})
	}

	if len(req.LTMMemories) > 0 {
		var b strings.Builder
		b.WriteString("Things you remember about this user from earlier conversations:\n")
		for _, m := range req.LTMMemories {
			b.WriteString("- ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		out = append(out, Message{Role: "system", Content: b.String()})
	}

	for _, m := range req.HistoricalContext {
		role := m.Role
		if role == "bot" {
			role = "assistant"
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}

	out = append(out, Message{Role: "user", Content: req.Text})
	return out
}
