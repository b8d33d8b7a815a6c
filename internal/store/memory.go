package store

import (
	"context"
	"sync"

	"github.com/ashureev/wabot/internal/domain"
)

// MemoryStore keeps a bounded number of turns per conversation in memory.
// History is lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	maxTurns int
	turns    map[string][]domain.Turn
}

// NewMemory creates an in-memory repository keeping at most maxTurns turns
// per conversation.
func NewMemory(maxTurns int) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = 8
	}
	return &MemoryStore{
		maxTurns: maxTurns,
		turns:    make(map[string][]domain.Turn),
	}
}

// AppendTurn adds a turn, evicting the oldest when the bound is exceeded.
func (m *MemoryStore) AppendTurn(_ context.Context, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.turns[turn.ConversationID], turn)
	if over := len(list) - m.maxTurns; over > 0 {
		list = append([]domain.Turn(nil), list[over:]...)
	}
	m.turns[turn.ConversationID] = list
	return nil
}

// RecentTurns returns up to limit of the newest turns, oldest first.
func (m *MemoryStore) RecentTurns(_ context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.turns[conversationID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]domain.Turn, len(list))
	copy(out, list)
	return out, nil
}

// ClearHistory drops a conversation.
func (m *MemoryStore) ClearHistory(_ context.Context, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.turns[conversationID]))
	delete(m.turns, conversationID)
	return n, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
