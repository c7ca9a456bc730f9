package context

import "strings"

const (
	// SystemPrompt is used when the user message is sent on its own.
	SystemPrompt = "You are a helpful assistant."
	// ContextSystemPrompt is used when recent messages are spliced into the prompt.
	ContextSystemPrompt = "You are a helpful assistant. Keep the conversation with user attending to the user message. Use recent messages as context to provide better answers and adequate tone."
)

// ContextAssembler builds the two-message prompt: one system instruction
// and one user turn. When UseContext is set and there are prior messages,
// they are spliced into the user turn ahead of the message to answer.
type ContextAssembler struct {
	UseContext bool
}

// Assemble returns exactly two messages: system then user.
func (a *ContextAssembler) Assemble(message string, prior []string) []Message {
	if !a.UseContext || len(prior) == 0 {
		return []Message{
			{Role: RoleSystem, Content: SystemPrompt},
			{Role: RoleUser, Content: message},
		}
	}
	return []Message{
		{Role: RoleSystem, Content: ContextSystemPrompt},
		{Role: RoleUser, Content: FormatWithContext(prior, message)},
	}
}

// FormatWithContext renders the user turn carrying recent messages.
func FormatWithContext(prior []string, message string) string {
	var b strings.Builder
	b.WriteString("Recent user messages:\n\n")
	b.WriteString(strings.Join(prior, "\n"))
	b.WriteString("\n\nUser message to answer:\n\n")
	b.WriteString(message)
	return b.String()
}
