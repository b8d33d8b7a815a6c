// Package domain contains core domain types for the wabot application.
package domain

import (
	"time"
	"unicode/utf8"
)

// Role identifies who authored a conversation turn.
type Role string

const (
	// RoleUser marks a turn written by the remote contact.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the AI replier.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one entry in a conversation history.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewTurn builds a turn stamped with the current time, truncating text to
// maxLen runes when maxLen is positive.
func NewTurn(conversationID string, role Role, text string, maxLen int) Turn {
	return Turn{
		ConversationID: conversationID,
		Role:           role,
		Text:           Truncate(text, maxLen),
		Timestamp:      time.Now(),
	}
}

// Truncate cuts s to at most n runes. n <= 0 disables truncation.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
