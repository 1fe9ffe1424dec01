package fleet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func quietLogger() *logger.Logger {
	log := logger.New(logger.ERROR, "")
	log.SetConsoleOutput(false)
	return log
}

func heartbeat(t *testing.T, store storage.Store, name string, tenants int, availability string, age time.Duration) {
	t.Helper()
	err := store.UpsertFleetHeartbeat(context.Background(), &storage.FleetServer{
		ServerName:    name,
		ActiveTenants: tenants,
		CapacityLimit: 10,
		LastHeartbeat: time.Now().UTC().Add(-age),
		Availability:  availability,
	})
	if err != nil {
		t.Fatalf("UpsertFleetHeartbeat(%s): %v", name, err)
	}
}

func TestPickTargetServerLeastLoaded(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	heartbeat(t, store, "node-a", 3, storage.AvailabilityActive, 0)
	heartbeat(t, store, "node-b", 1, storage.AvailabilityActive, 0)
	heartbeat(t, store, "node-c", 0, storage.AvailabilityFull, 0)

	sched := NewScheduler(store, quietLogger(), "node-a", 5*time.Minute)
	target, err := sched.PickTargetServer(context.Background())
	if err != nil {
		t.Fatalf("PickTargetServer: %v", err)
	}
	if target != "node-b" {
		t.Errorf("target = %q, want node-b", target)
	}
}

func TestPickTargetServerIgnoresStaleHeartbeats(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	heartbeat(t, store, "node-stale", 0, storage.AvailabilityActive, 10*time.Minute)
	heartbeat(t, store, "node-live", 5, storage.AvailabilityActive, 0)

	sched := NewScheduler(store, quietLogger(), "self", 5*time.Minute)
	target, err := sched.PickTargetServer(context.Background())
	if err != nil {
		t.Fatalf("PickTargetServer: %v", err)
	}
	if target != "node-live" {
		t.Errorf("target = %q, want node-live", target)
	}
}

func TestPickTargetServerSelfFallback(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	// Empty fleet table: placement still makes progress.
	sched := NewScheduler(store, quietLogger(), "self", 5*time.Minute)
	target, err := sched.PickTargetServer(context.Background())
	if err != nil {
		t.Fatalf("PickTargetServer: %v", err)
	}
	if target != "self" {
		t.Errorf("target = %q, want self", target)
	}
}

func TestPickTargetServerSelfFallbackOnStoreError(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	store.Close() // force query failures

	sched := NewScheduler(store, quietLogger(), "self", 5*time.Minute)
	target, err := sched.PickTargetServer(context.Background())
	if err != nil {
		t.Fatalf("PickTargetServer: %v", err)
	}
	if target != "self" {
		t.Errorf("target = %q, want self", target)
	}
}
