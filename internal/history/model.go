// Package history provides durable storage of chat sessions and messages.
package history

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message lifecycle statuses. Content is append-only while a message is
// streaming; once it reaches complete or error it is immutable.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// Session is a persistent conversation bound to one model. A session
// exclusively owns its message sequence: deleting a session deletes its
// messages. Sessions are soft-deleted (Active=false) in normal operation
// so history survives.
type Session struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Model        string         `json:"model"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Metadata     map[string]any `json:"metadata"`
	Messages     []Message      `json:"messages,omitempty"`
}

// Message is a single turn in a session. SessionID is a back-reference,
// not ownership. ParentID threads a reply to the message that prompted it.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Model     string         `json:"model,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

// NewSession creates an active session bound to a model. IDs are UUIDv7
// so lexical order tracks creation order.
func NewSession(model string) *Session {
	now := time.Now().UTC()
	id, _ := uuid.NewV7()
	return &Session{
		ID:        id.String(),
		Name:      "Chat with " + model,
		Model:     model,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// Touch bumps the session's updated_at so listings order it first.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// NewMessage creates a message in the given role with the given status.
func NewMessage(sessionID, role, content, status string) *Message {
	id, _ := uuid.NewV7()
	return &Message{
		ID:        id.String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]any{},
	}
}
