// Package store provides conversation history persistence.
package store

import (
	"context"

	"github.com/ashureev/wabot/internal/domain"
)

// HistoryRepository defines the interface for persisting conversation turns.
type HistoryRepository interface {
	// AppendTurn adds a turn to the end of a conversation.
	AppendTurn(ctx context.Context, turn domain.Turn) error

	// RecentTurns returns up to limit of the newest turns of a conversation,
	// oldest first.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)

	// ClearHistory removes every turn of a conversation and reports how many
	// were deleted.
	ClearHistory(ctx context.Context, conversationID string) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
