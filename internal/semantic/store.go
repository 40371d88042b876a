// Package semantic implements the similarity-search side of the hybrid
// memory: an embedding-backed document store queryable by natural-language
// similarity. It is fully independent of the structured replica; the two
// are only brought together by the dual-store writer and hybrid reader.
package semantic

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hyperengineering/tributary/internal/embedding"
	"github.com/hyperengineering/tributary/internal/types"
	_ "modernc.org/sqlite"
)

// Store persists embedded message documents in SQLite and ranks them by
// cosine similarity at query time. Each channel root maps to an isolated
// collection so one channel's vectors never leak into another's ranking.
type Store struct {
	db       *sql.DB
	path     string
	embedder embedding.Embedder
}

// NewStore opens (or creates) the semantic document database.
func NewStore(dbPath string, embedder embedding.Embedder) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	s := &Store{db: db, path: dbPath, embedder: embedder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// enablePragmas sets the same journaling and contention pragmas as the
// structured replica. The dual-store writer puts from many goroutines at
// once, so writes must queue behind the busy timeout instead of failing
// with SQLITE_BUSY.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		author TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		channel_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		PRIMARY KEY (collection, id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem location of the document database.
func (s *Store) Path() string {
	return s.path
}

// Checkpoint flushes the WAL into the main database file so the file at
// Path() is a complete, copyable snapshot.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint database: %w", err)
	}
	return nil
}

// CollectionFor derives the isolated collection name for a channel. All
// sub-streams of a root share one collection; the name is a content hash of
// the root so arbitrary channel identifiers stay within identifier-safe
// characters.
func CollectionFor(channel types.ChannelID) string {
	sum := sha256.Sum256([]byte(channel.Root))
	return "c" + hex.EncodeToString(sum[:])[:62]
}

// Put embeds the message content and upserts the document into the
// channel's collection. Duplicate ids are upserted; callers must not rely
// on duplicate rejection here.
func (s *Store) Put(ctx context.Context, msg types.Message) error {
	vector, err := s.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return fmt.Errorf("embed content: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents
			(collection, id, author, content, timestamp_ms, channel_id, sequence, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, CollectionFor(msg.ChannelID), msg.ID, msg.Author.String(), msg.Content,
		msg.TimestampMs, msg.ChannelID.Raw, msg.Sequence, PackEmbedding(vector))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Search embeds the query text and returns up to limit messages from the
// channel's collection ranked by cosine similarity, best first.
func (s *Store) Search(ctx context.Context, channel types.ChannelID, query string, limit int) ([]types.Message, error) {
	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, content, timestamp_ms, channel_id, sequence, embedding
		FROM documents
		WHERE collection = ?
	`, CollectionFor(channel))
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	type scored struct {
		msg        types.Message
		similarity float32
	}

	var candidates []scored
	for rows.Next() {
		var msg types.Message
		var author, channelRaw string
		var blob []byte

		if err := rows.Scan(&msg.ID, &author, &msg.Content, &msg.TimestampMs,
			&channelRaw, &msg.Sequence, &blob); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}

		parsed, err := types.ParseWalletAddress(author)
		if err != nil {
			// A row we cannot decode is dropped, not a query failure.
			continue
		}
		msg.Author = parsed
		msg.ChannelID = types.NewChannelID(channelRaw)

		candidates = append(candidates, scored{
			msg:        msg,
			similarity: CosineSimilarity(queryVector, UnpackEmbedding(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})

	if limit < len(candidates) {
		candidates = candidates[:limit]
	}

	messages := make([]types.Message, len(candidates))
	for i, c := range candidates {
		messages[i] = c.msg
	}
	return messages, nil
}

// Count returns the number of documents in the channel's collection.
func (s *Store) Count(ctx context.Context, channel types.ChannelID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE collection = ?",
		CollectionFor(channel)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}
