// Package store owns the shared on-disk database and the data directory
// layout. Every binding persists through it; bindings own no data of
// their own, only views over these tables and file trees.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// Store wraps the shared SQLite database plus the rooted data directory.
// Removing the data directory resets all state.
type Store struct {
	DB      *sql.DB
	DataDir string
}

// Open creates (if needed) the data directory, opens the shared database
// in WAL mode and applies migrations. Safe to call at every startup.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "data.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening shared database: %w", err)
	}
	// WAL lets concurrent readers coexist with the single writer; the
	// busy timeout covers short write bursts from background loops.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	s := &Store{DB: db, DataDir: dataDir}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the shared database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// migrations are idempotent; every statement uses IF NOT EXISTS so a
// startup against an existing data directory is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS kv_entries (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		metadata TEXT,
		expiration INTEGER,
		PRIMARY KEY (namespace, key)
	)`,
	`CREATE TABLE IF NOT EXISTS r2_objects (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		size INTEGER NOT NULL,
		etag TEXT NOT NULL,
		version TEXT NOT NULL,
		uploaded INTEGER NOT NULL,
		http_metadata TEXT NOT NULL DEFAULT '{}',
		custom_metadata TEXT NOT NULL DEFAULT '{}',
		storage_class TEXT NOT NULL DEFAULT 'STANDARD',
		PRIMARY KEY (bucket, key)
	)`,
	`CREATE TABLE IF NOT EXISTS r2_multipart_uploads (
		upload_id TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		http_metadata TEXT NOT NULL DEFAULT '{}',
		custom_metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS r2_multipart_parts (
		upload_id TEXT NOT NULL,
		part_number INTEGER NOT NULL,
		etag TEXT NOT NULL,
		temp_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (upload_id, part_number)
	)`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		cache_name TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (cache_name, url)
	)`,
	`CREATE TABLE IF NOT EXISTS queue_messages (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		body BLOB NOT NULL,
		content_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		visible_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_pending
		ON queue_messages (queue, status, visible_at)`,
	`CREATE TABLE IF NOT EXISTS do_instances (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT,
		PRIMARY KEY (class, id)
	)`,
	`CREATE TABLE IF NOT EXISTS do_storage (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (class, id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS do_alarms (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		alarm_time INTEGER NOT NULL,
		PRIMARY KEY (class, id)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_instances (
		workflow TEXT NOT NULL,
		id TEXT NOT NULL,
		status TEXT NOT NULL,
		params TEXT,
		output TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (workflow, id)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_steps (
		workflow TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		output TEXT,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (workflow, instance_id, step_name)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_events (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		consumed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS spans (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_span_id TEXT,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		attributes TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS span_events (
		span_id TEXT NOT NULL,
		name TEXT NOT NULL,
		time INTEGER NOT NULL,
		attributes TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS error_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT,
		span_id TEXT,
		message TEXT NOT NULL,
		stack TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS email_messages (
		id TEXT PRIMARY KEY,
		mail_from TEXT NOT NULL,
		rcpt_to TEXT NOT NULL,
		raw BLOB,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS analytics_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset TEXT NOT NULL,
		indexes TEXT NOT NULL DEFAULT '[]',
		blobs TEXT NOT NULL DEFAULT '[]',
		doubles TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ai_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		input TEXT,
		output TEXT,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
}

func (s *Store) runMigrations() error {
	for _, stmt := range migrations {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

// R2Dir returns the body directory for a bucket.
func (s *Store) R2Dir(bucket string) string {
	return filepath.Join(s.DataDir, "r2", bucket)
}

// D1Path returns the database file for a named D1 database.
func (s *Store) D1Path(name string) string {
	return filepath.Join(s.DataDir, "d1", name+".sqlite")
}

// DOSQLPath returns the per-actor database file for a class and id.
func (s *Store) DOSQLPath(class, id string) string {
	return filepath.Join(s.DataDir, "do-sql", class, id+".sqlite")
}

// ResolveKeyPath joins key under root, rejecting path traversal. The
// returned path is always inside root.
func ResolveKeyPath(root, key string) (string, error) {
	if key == "" || strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("invalid key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("key escapes storage root: %q", key)
	}
	return filepath.Join(root, clean), nil
}
