// Package domain contains core domain types for the Beatdown chat widget.
package domain

// Role identifies who produced a transcript entry.
type Role string

const (
	// RoleUser marks a message typed by the person using the widget.
	RoleUser Role = "user"
	// RoleAssistant marks a reply returned by the chat endpoint.
	RoleAssistant Role = "assistant"
	// RoleError marks a visible failure entry. It is never sent upstream.
	RoleError Role = "error"
)

// Message is a single immutable transcript entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage builds a user transcript entry.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant transcript entry.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ErrorMessage builds a visible failure entry.
func ErrorMessage(content string) Message {
	return Message{Role: RoleError, Content: content}
}

// Label returns the display name used when rendering the transcript.
func (m Message) Label() string {
	switch m.Role {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Beatdown.ai"
	default:
		return "Error"
	}
}
