package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperengineering/tributary/internal/types"
	_ "modernc.org/sqlite"
)

// Compile-time interface checks
var (
	_ MessageStore   = (*SQLiteStore)(nil)
	_ PositionLedger = (*SQLiteStore)(nil)
)

// SQLiteStore is the SQLite-backed message replica and position ledger.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable pragmas for performance and safety
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	// Run goose migrations
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the on-disk location of the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Checkpoint flushes the WAL into the main database file so the file at
// Path() is a complete snapshot.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Put inserts a message. Re-inserting an existing id is a successful no-op;
// existing rows are never overwritten.
func (s *SQLiteStore) Put(ctx context.Context, msg types.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, author, content, timestamp_ms, channel_id, sequence)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Author.String(), msg.Content, msg.TimestampMs, msg.ChannelID.Raw, msg.Sequence)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Get retrieves a message by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, author, content, timestamp_ms, channel_id, sequence
		FROM messages
		WHERE id = ?
	`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return msg, nil
}

// Search returns up to limit messages in the channel whose content contains
// query as a substring.
func (s *SQLiteStore) Search(ctx context.Context, channel types.ChannelID, query string, limit int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, content, timestamp_ms, channel_id, sequence
		FROM messages
		WHERE channel_id = ? AND content LIKE ? ESCAPE '\'
		LIMIT ?
	`, channel.Raw, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Recent returns up to limit messages in the channel ordered by timestamp.
func (s *SQLiteStore) Recent(ctx context.Context, channel types.ChannelID, limit int, order types.Order) ([]types.Message, error) {
	direction := "DESC"
	if order == types.OrderAscending {
		direction = "ASC"
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, author, content, timestamp_ms, channel_id, sequence
		FROM messages
		WHERE channel_id = ?
		ORDER BY timestamp_ms %s
		LIMIT ?
	`, direction), channel.Raw, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Count returns the number of replicated messages.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// GetPosition returns the recorded high-water mark for the channel, or -1
// when no position has been recorded.
func (s *SQLiteStore) GetPosition(ctx context.Context, channel types.ChannelID) (int64, error) {
	var sequence int64
	err := s.db.QueryRowContext(ctx,
		"SELECT sequence FROM positions WHERE channel_id = ?", channel.Raw).Scan(&sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get position: %w", err)
	}
	return sequence, nil
}

// AdvanceTo records sequence as the channel's high-water mark only when it
// exceeds the stored value. The conditional write makes concurrent or
// repeated sync runs safe: a stale update can never regress progress.
func (s *SQLiteStore) AdvanceTo(ctx context.Context, channel types.ChannelID, sequence int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (channel_id, sequence)
		VALUES (?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET sequence = excluded.sequence
		WHERE excluded.sequence > positions.sequence
	`, channel.Raw, sequence)
	if err != nil {
		return fmt.Errorf("advance position: %w", err)
	}
	return nil
}

// escapeLike escapes LIKE wildcards so the query text matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// scanMessage scans a row into a Message.
func scanMessage(scanner interface{ Scan(...any) error }) (*types.Message, error) {
	var msg types.Message
	var author, channelRaw string

	err := scanner.Scan(&msg.ID, &author, &msg.Content, &msg.TimestampMs, &channelRaw, &msg.Sequence)
	if err != nil {
		return nil, err
	}

	parsed, err := types.ParseWalletAddress(author)
	if err != nil {
		return nil, fmt.Errorf("parse author: %w", err)
	}
	msg.Author = parsed
	msg.ChannelID = types.NewChannelID(channelRaw)

	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]types.Message, error) {
	var messages []types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return messages, nil
}
