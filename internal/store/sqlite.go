package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'local',
	path TEXT NOT NULL DEFAULT '',
	output_path TEXT,
	archive_path TEXT,
	ftp_host TEXT,
	ftp_port INTEGER DEFAULT 21,
	ftp_username TEXT,
	ftp_password TEXT,
	ftp_remote_path TEXT,
	ftp_local_staging TEXT,
	profile_id INTEGER,
	active INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'idle',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	video_codec TEXT NOT NULL DEFAULT 'mpeg2video',
	video_bitrate TEXT NOT NULL DEFAULT '50000k',
	audio_codec TEXT NOT NULL DEFAULT 'pcm_s16le',
	audio_bitrate TEXT DEFAULT '1536k',
	audio_sample_rate TEXT NOT NULL DEFAULT '48000',
	audio_channels TEXT NOT NULL DEFAULT '2',
	container TEXT NOT NULL DEFAULT 'mxf',
	extra_args TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'idle',
	current_job_id INTEGER,
	max_concurrent INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id INTEGER NOT NULL,
	profile_id INTEGER,
	worker_id INTEGER,
	input_filename TEXT NOT NULL,
	input_path TEXT NOT NULL,
	output_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	progress INTEGER NOT NULL DEFAULT 0,
	input_size INTEGER,
	output_size INTEGER,
	input_duration REAL,
	output_duration REAL,
	error_message TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_source_filename ON jobs(source_id, input_filename);
`

// Store is the durable, concurrently accessed record of sources, profiles,
// workers and jobs. It is the single source of truth; watcher and pool
// caches are advisory only.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // serializes writes; reads go through db directly
	path string
}

// Open opens (creating if needed) the SQLite database at dbPath, ensures the
// schema exists and applies additive column migrations.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent readers during transcode progress writes
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Helper functions for SQL values

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(i int64) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func nullFloat64(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
