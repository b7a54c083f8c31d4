// Package store implements the persistent embedding cache. Embedding the
// example corpora is the slowest part of startup; keeping text→vector rows
// in a local SQLite file means a restart only pays for texts it has never
// seen. The cache is a pure accelerator: a corrupt or missing row is a miss.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"

	"nlud/internal/logging"
)

// EmbedCache is a SQLite-backed text→vector cache keyed by the xxhash of
// the text. Safe for concurrent use (database/sql pools connections).
type EmbedCache struct {
	db     *sql.DB
	dbPath string
}

// NewEmbedCache creates or opens the cache at dbPath.
func NewEmbedCache(dbPath string) (*EmbedCache, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewEmbedCache")
	defer timer.Stop()

	if dbPath == "" {
		return nil, fmt.Errorf("database path required")
	}

	logging.Store("Opening embedding cache at: %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		key INTEGER PRIMARY KEY,
		text TEXT NOT NULL,
		dims INTEGER NOT NULL,
		vec BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &EmbedCache{db: db, dbPath: dbPath}, nil
}

// Get returns the cached vector for text, or (nil, nil) on a miss.
func (c *EmbedCache) Get(ctx context.Context, text string) ([]float32, error) {
	key := int64(xxhash.Sum64String(text))

	var stored string
	var dims int
	var blob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT text, dims, vec FROM embeddings WHERE key = ?`, key,
	).Scan(&stored, &dims, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}

	// Hash collision or truncated row: treat as a miss.
	if stored != text || len(blob) != dims*4 {
		logging.StoreDebug("Discarding unusable cache row for key %d", key)
		return nil, nil
	}
	return decodeVector(blob, dims), nil
}

// Put stores the vector for text, replacing any previous row.
func (c *EmbedCache) Put(ctx context.Context, text string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("refusing to cache empty vector")
	}
	key := int64(xxhash.Sum64String(text))
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embeddings (key, text, dims, vec) VALUES (?, ?, ?, ?)`,
		key, text, len(vec), encodeVector(vec),
	)
	if err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	return nil
}

// Len returns the number of cached vectors.
func (c *EmbedCache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the underlying database.
func (c *EmbedCache) Close() error {
	logging.StoreDebug("Closing embedding cache at %s", c.dbPath)
	return c.db.Close()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte, dims int) []float32 {
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
