// ABOUTME: Transcript store interface and data types for h2h-gateway
// ABOUTME: Defines the Turn record and the TranscriptStore operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTurn is returned when a turn number is saved twice for the
// same conversation.
var ErrDuplicateTurn = errors.New("turn already recorded")

// Turn is one completed utterance in a conversation transcript.
type Turn struct {
	ID             string
	ConversationID string
	Seq            int    // 1-based turn number within the conversation
	Side           string // "left" or "right"
	Speaker        string // persona display name
	Content        string
	Fragments      int           // streamed fragments relayed for this turn
	Duration       time.Duration // from upstream call to stream end
	CreatedAt      time.Time
}

// Summary aggregates a conversation's transcript.
type Summary struct {
	ConversationID string
	Turns          int
	Characters     int
	FirstTurnAt    time.Time
	LastTurnAt     time.Time
}

// TranscriptStore records completed turns.
type TranscriptStore interface {
	// SaveTurn records a completed turn. Returns ErrDuplicateTurn when the
	// (ConversationID, Seq) pair already exists.
	SaveTurn(ctx context.Context, turn *Turn) error

	// ListTurns returns turns in chronological order. A positive limit
	// keeps only the most recent turns.
	ListTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error)

	// Summarize returns aggregate counts. Returns ErrNotFound when the
	// conversation has no recorded turns.
	Summarize(ctx context.Context, conversationID string) (*Summary, error)

	// DeleteConversation removes every turn of a conversation and reports
	// how many were removed.
	DeleteConversation(ctx context.Context, conversationID string) (int, error)

	Close() error
}
