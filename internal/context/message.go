package context

// Message is a model-agnostic chat message handed to a completion provider.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)
