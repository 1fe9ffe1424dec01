package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLiteStore implements Store using the embedded SQLite engine.
type SQLiteStore struct {
	BaseStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	connStr := dbPath
	if dbPath != ":memory:" {
		connStr += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		BaseStore: BaseStore{
			db:      db,
			dialect: &SQLiteDialect{},
			dbPath:  dbPath,
		},
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return store, nil
}

// Path returns the SQLite file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// initSchema creates tables if they don't exist. Safe to run on every
// startup against an existing database.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Tenant instance records
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		display_name TEXT,
		phone_number TEXT NOT NULL,
		lifecycle_status TEXT NOT NULL DEFAULT 'new',
		connection_status TEXT NOT NULL DEFAULT 'new',
		assigned_server TEXT,
		assigned_port INTEGER NOT NULL DEFAULT 0,
		process_id INTEGER,
		credential_blob BLOB,
		feature_flags TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		approved_at DATETIME,
		expires_at DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_instances_phone ON instances(phone_number);
	CREATE INDEX IF NOT EXISTS idx_instances_server ON instances(assigned_server);
	CREATE INDEX IF NOT EXISTS idx_instances_lifecycle ON instances(lifecycle_status);
	CREATE INDEX IF NOT EXISTS idx_instances_updated ON instances(updated_at);

	-- Fleet member heartbeats
	CREATE TABLE IF NOT EXISTS fleet_servers (
		server_name TEXT PRIMARY KEY,
		active_tenant_count INTEGER NOT NULL DEFAULT 0,
		capacity_limit INTEGER NOT NULL DEFAULT 0,
		last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		availability TEXT NOT NULL DEFAULT 'active'
	);

	CREATE INDEX IF NOT EXISTS idx_fleet_heartbeat ON fleet_servers(last_heartbeat);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
