// ABOUTME: Mock TranscriptStore implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject save failures

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory TranscriptStore for tests.
type MockStore struct {
	mu    sync.RWMutex
	turns map[string][]*Turn // keyed by conversation ID

	// SaveErr, when set, is returned by SaveTurn.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{turns: make(map[string][]*Turn)}
}

// SaveTurn records a copy of turn.
func (m *MockStore) SaveTurn(_ context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	for _, t := range m.turns[turn.ConversationID] {
		if t.Seq == turn.Seq {
			return ErrDuplicateTurn
		}
	}

	cp := *turn
	m.turns[turn.ConversationID] = append(m.turns[turn.ConversationID], &cp)
	sort.Slice(m.turns[turn.ConversationID], func(i, j int) bool {
		return m.turns[turn.ConversationID][i].Seq < m.turns[turn.ConversationID][j].Seq
	})
	return nil
}

// ListTurns returns copies of the recorded turns in sequence order.
func (m *MockStore) ListTurns(_ context.Context, conversationID string, limit int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.turns[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*Turn, len(all))
	for i, t := range all {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

// Summarize aggregates the recorded turns.
func (m *MockStore) Summarize(_ context.Context, conversationID string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.turns[conversationID]
	if len(turns) == 0 {
		return nil, ErrNotFound
	}

	sum := &Summary{ConversationID: conversationID, Turns: len(turns)}
	for i, t := range turns {
		sum.Characters += len(t.Content)
		if i == 0 || t.CreatedAt.Before(sum.FirstTurnAt) {
			sum.FirstTurnAt = t.CreatedAt
		}
		if t.CreatedAt.After(sum.LastTurnAt) {
			sum.LastTurnAt = t.CreatedAt
		}
	}
	return sum, nil
}

// DeleteConversation forgets every turn of a conversation.
func (m *MockStore) DeleteConversation(_ context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.turns[conversationID])
	delete(m.turns, conversationID)
	return n, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ TranscriptStore = (*MockStore)(nil)
	_ TranscriptStore = (*SQLiteStore)(nil)
)
