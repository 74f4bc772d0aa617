package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/models"
)

const chunkSchema = `
CREATE TABLE IF NOT EXISTS evidence_chunks (
	chunk_id   TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	locator    TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

// SQLStore is a durable, append-only mirror of the in-memory store.
// Driver is selectable ("postgres" or "sqlite3"); the table is append-only
// and conflicting ids are ignored, matching the store's idempotency.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenSQLStore connects and ensures the chunk table exists.
func OpenSQLStore(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect evidence store (%s): %w", driver, err)
	}
	if _, err := db.Exec(chunkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create evidence schema: %w", err)
	}
	return &SQLStore{db: db, logger: logger}, nil
}

// NewSQLStoreFromDB wraps an existing connection (used by tests).
func NewSQLStoreFromDB(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

// SaveChunk appends a chunk. Existing ids are left untouched.
func (s *SQLStore) SaveChunk(chunk models.Chunk) error {
	query := s.db.Rebind(`INSERT INTO evidence_chunks (chunk_id, source, locator, text, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (chunk_id) DO NOTHING`)
	if _, err := s.db.Exec(query, chunk.ChunkID, chunk.Source, chunk.Locator, chunk.Text, time.Now().UTC()); err != nil {
		return fmt.Errorf("save chunk %s: %w", chunk.ChunkID, err)
	}
	return nil
}

// LoadAll returns every persisted chunk, used to rehydrate the in-memory
// store at startup.
func (s *SQLStore) LoadAll(ctx context.Context) ([]models.Chunk, error) {
	var chunks []models.Chunk
	query := `SELECT chunk_id, source, locator, text FROM evidence_chunks ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &chunks, query); err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	return chunks, nil
}

// Restore replays persisted chunks into the in-memory store. Ids are
// recomputed from content, so a mismatched row is dropped with a warning
// rather than trusted.
func Restore(ctx context.Context, sqlStore *SQLStore, store *Store, logger *zap.Logger) (int, error) {
	chunks, err := sqlStore.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, c := range chunks {
		id := store.AddChunk(c.Source, c.Locator, c.Text)
		if id != c.ChunkID {
			logger.Warn("Persisted chunk id mismatch, re-addressed",
				zap.String("stored_id", c.ChunkID),
				zap.String("computed_id", id),
			)
		}
		restored++
	}
	return restored, nil
}

// Ping verifies connectivity for health checks.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
