package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/config"

	// Import postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using the PostgreSQL primary engine.
type PostgresStore struct {
	BaseStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store. The connection is
// pinged with a bounded timeout so an unreachable primary fails fast
// and the caller can fall back to the embedded engine.
func NewPostgresStore(cfg *config.DatabaseConfig) (*PostgresStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config required")
	}

	dsn := cfg.BuildDSN()
	if dsn == "" {
		return nil, fmt.Errorf("invalid database configuration: could not build DSN")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeSecs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSecs) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{
		BaseStore: BaseStore{
			db:      db,
			dialect: &PostgresDialect{},
			dbPath:  dsn,
		},
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}

	logInfo("Opened PostgreSQL database", "host", cfg.Host, "database", cfg.Name)

	return store, nil
}

// initSchema creates the database schema for PostgreSQL.
func (s *PostgresStore) initSchema() error {
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
		credential_blob BYTEA,
		feature_flags TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		approved_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
		last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		availability TEXT NOT NULL DEFAULT 'active'
	);

	CREATE INDEX IF NOT EXISTS idx_fleet_heartbeat ON fleet_servers(last_heartbeat);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
