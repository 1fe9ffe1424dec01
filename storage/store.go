package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/config"
)

// NewStore opens the instance store. When the configuration names the
// PostgreSQL primary, it is tried first; if it is unreachable at
// startup the store switches permanently to the embedded SQLite
// engine for the remainder of the process lifetime. There are no
// later fallback attempts.
func NewStore(cfg *config.DatabaseConfig) (Store, error) {
	if cfg == nil {
		cfg = &config.DatabaseConfig{}
	}

	switch driver := cfg.EffectiveDriver(); driver {
	case "postgres", "postgresql":
		store, err := NewPostgresStore(cfg)
		if err == nil {
			return store, nil
		}
		logWarn("Primary database unreachable, falling back to embedded engine", "error", err)
		return NewSQLiteStore(sqlitePath(cfg))

	case "sqlite", "sqlite3", "modernc", "modernc-sqlite":
		return NewSQLiteStore(sqlitePath(cfg))

	default:
		return nil, fmt.Errorf("unsupported database driver: %q (supported: sqlite, postgres)", driver)
	}
}

func sqlitePath(cfg *config.DatabaseConfig) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	return "wabot.db"
}

// Bootstrap seeds/refreshes this server's fleet row after the store
// opens, so placement can see the server before the first heartbeat
// tick.
func Bootstrap(ctx context.Context, store Store, serverName string, capacity int) error {
	count, err := store.CountAssignedApproved(ctx, serverName)
	if err != nil {
		return fmt.Errorf("bootstrap fleet row: %w", err)
	}
	availability := AvailabilityActive
	if capacity > 0 && count >= capacity {
		availability = AvailabilityFull
	}
	return store.UpsertFleetHeartbeat(ctx, &FleetServer{
		ServerName:    serverName,
		ActiveTenants: count,
		CapacityLimit: capacity,
		LastHeartbeat: time.Now().UTC(),
		Availability:  availability,
	})
}
