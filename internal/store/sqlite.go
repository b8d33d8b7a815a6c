package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/wabot/internal/domain"
	"github.com/cenkalti/backoff"
	_ "modernc.org/sqlite"
)

const (
	openRetries    = 10
	openRetryDelay = 5 * time.Second

	busyRetries      = 3
	busyInitialDelay = 50 * time.Millisecond
)

// SQLiteStore implements HistoryRepository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed history repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc.org/sqlite applies _pragma parameters on every new connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	attempt := 0
	ping := func() error {
		attempt++
		err := db.Ping()
		if err != nil {
			slog.Warn("Database ping failed", "attempt", attempt, "max_attempts", openRetries+1, "error", err)
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewConstantBackOff(openRetryDelay), openRetries)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_history_conversation ON chat_history(conversation_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendTurn inserts a turn, retrying while the database is locked.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("append turn: invalid role %q", turn.Role)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	query := `INSERT INTO chat_history (conversation_id, role, text, created_at) VALUES (?, ?, ?, ?)`
	err := s.withBusyRetry(ctx, "append_turn", func() error {
		_, err := s.db.ExecContext(ctx, query,
			turn.ConversationID, string(turn.Role), turn.Text, turn.Timestamp.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the newest turns, oldest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = 8
	}
	query := `
		SELECT conversation_id, role, text, created_at
		FROM chat_history WHERE conversation_id = ?
		ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent turns rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var role string
		var createdAt int64
		if err := rows.Scan(&turn.ConversationID, &role, &turn.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Role = domain.Role(role)
		turn.Timestamp = time.UnixMilli(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent turns: %w", err)
	}

	// Rows arrive newest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ClearHistory removes every turn of a conversation.
func (s *SQLiteStore) ClearHistory(ctx context.Context, conversationID string) (int64, error) {
	var deleted int64
	err := s.withBusyRetry(ctx, "clear_history", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE conversation_id = ?`, conversationID)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry runs op with exponential backoff while SQLite reports
// SQLITE_BUSY or "database is locked". Any other error aborts immediately.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = busyInitialDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !isLockConflict(err) {
			return backoff.Permanent(err)
		}
		slog.Debug("Database locked, retrying", "op", op, "attempt", attempt)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(eb, busyRetries-1), ctx))
}

// isLockConflict reports whether err is one of SQLite's concurrency errors
// that warrant a retry.
func isLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
