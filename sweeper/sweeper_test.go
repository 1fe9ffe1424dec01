package sweeper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/session"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
)

// fakeStopper records which workers the sweep asked to stop.
type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeStopper) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeStopper) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

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

func backdate(t *testing.T, store *storage.SQLiteStore, id string, to time.Time) {
	t.Helper()
	if _, err := store.DB().Exec(`UPDATE instances SET updated_at = ? WHERE id = ?`, to.UTC(), id); err != nil {
		t.Fatalf("backdate %s: %v", id, err)
	}
}

func TestSweepDeletesAbandonedAndRemovesSessionDir(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	dataDir := t.TempDir()
	ctx := context.Background()

	err := store.CreateInstance(ctx, &storage.Instance{
		ID: "abandoned", PhoneNumber: "+1", AssignedServer: "self",
		ConnStatus: storage.ConnOffline,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	backdate(t, store, "abandoned", time.Now().Add(-40*time.Minute))

	sess := session.New(dataDir, "abandoned")
	if err := sess.WriteCredentials([]byte(`{}`)); err != nil {
		t.Fatalf("WriteCredentials: %v", err)
	}

	stopper := &fakeStopper{}
	sw := New(store, stopper, quietLogger(), "self", dataDir, time.Hour, 30*time.Minute)
	sw.Sweep(ctx)

	if _, err := store.GetInstance(ctx, "abandoned"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("instance still present: %v", err)
	}
	if _, err := os.Stat(sess.Dir()); !os.IsNotExist(err) {
		t.Errorf("session dir survived sweep: %v", err)
	}
	if ids := stopper.ids(); len(ids) != 0 {
		t.Errorf("abandoned delete stopped workers %v", ids)
	}
}

func TestSweepExpiresOverdueAndStopsWorkers(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	for _, inst := range []*storage.Instance{
		{ID: "due", PhoneNumber: "+1", AssignedServer: "self", Lifecycle: storage.LifecycleApproved, ExpiresAt: &past},
		{ID: "current", PhoneNumber: "+2", AssignedServer: "self", Lifecycle: storage.LifecycleApproved, ExpiresAt: &future},
		{ID: "other-server", PhoneNumber: "+3", AssignedServer: "peer", Lifecycle: storage.LifecycleApproved, ExpiresAt: &past},
	} {
		if err := store.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance(%s): %v", inst.ID, err)
		}
	}

	stopper := &fakeStopper{}
	sw := New(store, stopper, quietLogger(), "self", t.TempDir(), time.Hour, 30*time.Minute)
	sw.Sweep(ctx)

	if ids := stopper.ids(); len(ids) != 1 || ids[0] != "due" {
		t.Errorf("stopped workers = %v, want [due]", ids)
	}
	got, err := store.GetInstance(ctx, "due")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Lifecycle != storage.LifecycleExpired {
		t.Errorf("lifecycle = %q, want expired", got.Lifecycle)
	}

	// A second pass finds nothing new to do.
	sw.Sweep(ctx)
	if ids := stopper.ids(); len(ids) != 1 {
		t.Errorf("second sweep stopped workers again: %v", ids)
	}
}

func TestSweepKeepsRecentUnapproved(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateInstance(ctx, &storage.Instance{
		ID: "fresh", PhoneNumber: "+1", AssignedServer: "self",
		ConnStatus: storage.ConnOffline,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	sw := New(store, &fakeStopper{}, quietLogger(), "self", t.TempDir(), time.Hour, 30*time.Minute)
	sw.Sweep(ctx)

	if _, err := store.GetInstance(ctx, "fresh"); err != nil {
		t.Errorf("recent instance swept: %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	sw := New(store, &fakeStopper{}, quietLogger(), "self", t.TempDir(), time.Hour, 30*time.Minute)

	sw.Stop() // never started
	sw.Start()
	sw.Start() // double start is a no-op
	sw.Stop()
	sw.Stop()
}
