package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// MetadataDB is the durable cache index, one row per cache entry
type MetadataDB struct {
	db *sql.DB
}

// NewMetadataDB opens (or creates) the index at dbPath
func NewMetadataDB(dbPath string) (*MetadataDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The cache store serializes writers itself; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT PRIMARY KEY,
		local_path TEXT NOT NULL,
		remote_ref TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL,
		quality TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_last_accessed ON cache_entries(last_accessed_at);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &MetadataDB{db: db}, nil
}

// SaveEntry inserts or replaces the record for entry.Key
func (mdb *MetadataDB) SaveEntry(entry types.CacheEntry) error {
	query := `
	INSERT OR REPLACE INTO cache_entries
		(cache_key, local_path, remote_ref, size_bytes, quality, format, duration_ms, created_at, last_accessed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := mdb.db.Exec(query, string(entry.Key), entry.LocalPath, entry.RemoteSourceRef,
		entry.SizeBytes, entry.Quality, entry.Format, entry.Duration.Milliseconds(),
		entry.CreatedAt.UnixNano(), entry.LastAccessedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	return nil
}

// TouchEntry records an access time
func (mdb *MetadataDB) TouchEntry(key types.GenerationKey, at time.Time) error {
	_, err := mdb.db.Exec(`UPDATE cache_entries SET last_accessed_at = ? WHERE cache_key = ?`,
		at.UnixNano(), string(key))
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// DeleteEntry removes the record for key; absent keys are ignored
func (mdb *MetadataDB) DeleteEntry(key types.GenerationKey) error {
	if _, err := mdb.db.Exec(`DELETE FROM cache_entries WHERE cache_key = ?`, string(key)); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// ListEntries returns all records, least recently accessed first
func (mdb *MetadataDB) ListEntries() ([]types.CacheEntry, error) {
	query := `
	SELECT cache_key, local_path, remote_ref, size_bytes, quality, format, duration_ms, created_at, last_accessed_at
	FROM cache_entries ORDER BY last_accessed_at ASC
	`

	rows, err := mdb.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []types.CacheEntry

	for rows.Next() {
		var (
			key, local, remote, quality, format string
			size, durationMs, created, accessed int64
		)

		if err := rows.Scan(&key, &local, &remote, &size, &quality, &format, &durationMs, &created, &accessed); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}

		entries = append(entries, types.CacheEntry{
			Key:             types.GenerationKey(key),
			LocalPath:       local,
			RemoteSourceRef: remote,
			SizeBytes:       size,
			Quality:         quality,
			Format:          format,
			Duration:        time.Duration(durationMs) * time.Millisecond,
			CreatedAt:       time.Unix(0, created),
			LastAccessedAt:  time.Unix(0, accessed),
		})
	}

	return entries, rows.Err()
}

// Close closes the database connection
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}
