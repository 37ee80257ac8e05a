// ABOUTME: SQLite implementation of TranscriptStore using modernc.org/sqlite
// ABOUTME: Keeps the transcript in memory by default with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements TranscriptStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens a store at path. An empty path or MemoryPath keeps
// everything in memory for the life of the process. For file paths the
// parent directory is created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			side TEXT NOT NULL,
			speaker TEXT NOT NULL,
			content TEXT NOT NULL,
			fragments INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,

			CHECK (side IN ('left', 'right'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_conversation_seq
			ON turns(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveTurn inserts a completed turn.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *Turn) error {
	query := `
		INSERT INTO turns (id, conversation_id, seq, side, speaker, content, fragments, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		turn.ID,
		turn.ConversationID,
		turn.Seq,
		turn.Side,
		turn.Speaker,
		turn.Content,
		turn.Fragments,
		turn.Duration.Milliseconds(),
		turn.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTurn
		}
		return fmt.Errorf("inserting turn: %w", err)
	}

	s.logger.Debug("saved turn",
		"conversation_id", turn.ConversationID,
		"turn", turn.Seq,
		"side", turn.Side)
	return nil
}

// isConstraintViolation checks if an error is a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ListTurns retrieves turns for a conversation, limited to the most recent
// `limit` turns. Turns are returned in order of their sequence number.
// If limit is 0 or negative, all turns are returned.
func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, seq, side, speaker, content, fragments, duration_ms, created_at
			FROM (
				SELECT id, conversation_id, seq, side, speaker, content, fragments, duration_ms, created_at
				FROM turns
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, seq, side, speaker, content, fragments, duration_ms, created_at
			FROM turns
			WHERE conversation_id = ?
			ORDER BY seq ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var turn Turn
		var durationMs int64
		var createdAtStr string

		if err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.Seq, &turn.Side, &turn.Speaker,
			&turn.Content, &turn.Fragments, &durationMs, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}

		turn.Duration = time.Duration(durationMs) * time.Millisecond
		turn.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing turn created_at: %w", err)
		}

		turns = append(turns, &turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}

	return turns, nil
}

// Summarize aggregates the turns of a conversation.
func (s *SQLiteStore) Summarize(ctx context.Context, conversationID string) (*Summary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0), MIN(created_at), MAX(created_at)
		FROM turns
		WHERE conversation_id = ?
	`

	var count, chars int
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&count, &chars, &first, &last)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && count == 0) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("summarizing turns: %w", err)
	}

	sum := &Summary{
		ConversationID: conversationID,
		Turns:          count,
		Characters:     chars,
	}
	if sum.FirstTurnAt, err = time.Parse(timeLayout, first.String); err != nil {
		return nil, fmt.Errorf("parsing first turn time: %w", err)
	}
	if sum.LastTurnAt, err = time.Parse(timeLayout, last.String); err != nil {
		return nil, fmt.Errorf("parsing last turn time: %w", err)
	}
	return sum, nil
}

// DeleteConversation removes all turns of a conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("deleting turns: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("deleted conversation transcript", "conversation_id", conversationID, "turns", n)
	return int(n), nil
}
