package context

import "strings"

// Assembler combines system prompt, history, and user message into a final message list.
type Assembler interface {
	Assemble(system string, history []Message, userMsg string) []Message
}

// StandardAssembler combines system prompt, history, and user message
// into a single ordered message list.
type StandardAssembler struct{}

// Assemble builds the final message list: system + history + user.
func (a *StandardAssembler) Assemble(system string, history []Message, userMsg string) []Message {
	messages := make([]Message, 0, 1+len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userMsg})
	return messages
}

// SystemPrompt renders the persona followed by the page content and, when
// something is selected, the selection.
func SystemPrompt(persona string, page Page) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(persona))
	b.WriteString("\n\nPage content: ")
	b.WriteString(page.Content)
	if strings.TrimSpace(page.Selection) != "" {
		b.WriteString("\n\nSelected text: ")
		b.WriteString(page.Selection)
	}
	return b.String()
}
