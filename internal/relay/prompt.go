package relay

import (
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/chatrelay/internal/memory"
)

const (
	DefaultMaxMessageChars = 4000
	defaultPersona         = "You are a concise, helpful assistant."
	summaryPrefix          = "Conversation summary:\n"
)

// CleanMessage trims surrounding whitespace and truncates to maxChars characters.
func CleanMessage(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i]
		}
		n++
	}
	return text
}

// BuildPrompt orders the model input: one system message, the history, then the new message.
func BuildPrompt(rec memory.Record, message string) []memory.Turn {
	out := make([]memory.Turn, 0, len(rec.History)+2)
	if rec.Summary != "" {
		out = append(out, memory.Turn{Role: memory.RoleSystem, Content: summaryPrefix + rec.Summary})
	} else {
		out = append(out, memory.Turn{Role: memory.RoleSystem, Content: defaultPersona})
	}
	out = append(out, rec.History...)
	out = append(out, memory.Turn{Role: memory.RoleUser, Content: message})
	return out
}
