package context

// Role tags a message for the model provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a model-agnostic chat message used across the context pipeline.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Page is the content collaborator's view of the active tab.
type Page struct {
	Content   string
	Selection string
}
