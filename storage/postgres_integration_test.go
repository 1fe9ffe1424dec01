//go:build integration

package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// The same named operations must behave identically on the postgres
// primary as on the embedded engine, placeholder conversion and
// RETURNING included.
func TestPostgresInstanceLifecycle(t *testing.T) {
	WithPostgresStore(t, func(t *testing.T, store *PostgresStore) {
		ctx := context.Background()

		inst := &Instance{
			ID:           "pg-1",
			DisplayName:  "Primary Bot",
			PhoneNumber:  "+15557770001",
			FeatureFlags: map[string]string{"auto_reply": "on"},
		}
		if err := store.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}

		got, err := store.GetInstance(ctx, "pg-1")
		if err != nil {
			t.Fatalf("GetInstance: %v", err)
		}
		if got.PhoneNumber != "+15557770001" || got.Lifecycle != LifecycleNew {
			t.Errorf("round-trip mismatch: %+v", got)
		}
		if got.FeatureFlags["auto_reply"] != "on" {
			t.Errorf("feature flags = %v", got.FeatureFlags)
		}

		expiry := time.Now().Add(24 * time.Hour)
		if err := store.ApproveInstance(ctx, "pg-1", expiry); err != nil {
			t.Fatalf("ApproveInstance: %v", err)
		}
		got, err = store.GetInstance(ctx, "pg-1")
		if err != nil {
			t.Fatalf("GetInstance: %v", err)
		}
		if got.Lifecycle != LifecycleApproved || got.ExpiresAt == nil {
			t.Errorf("after approve: %+v", got)
		}

		blob := []byte(`{"noiseKey":{},"registrationId":1}`)
		if err := store.SetCredentials(ctx, "pg-1", blob); err != nil {
			t.Fatalf("SetCredentials: %v", err)
		}
		back, err := store.GetCredentials(ctx, "pg-1")
		if err != nil {
			t.Fatalf("GetCredentials: %v", err)
		}
		if !bytes.Equal(back, blob) {
			t.Errorf("credential blob = %q, want %q", back, blob)
		}

		if err := store.DeleteInstance(ctx, "pg-1"); err != nil {
			t.Fatalf("DeleteInstance: %v", err)
		}
		if _, err := store.GetInstance(ctx, "pg-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("after delete: err = %v, want ErrNotFound", err)
		}
	})
}

func TestPostgresSweeperReturning(t *testing.T) {
	WithPostgresStore(t, func(t *testing.T, store *PostgresStore) {
		ctx := context.Background()
		now := time.Now()
		past := now.Add(-time.Hour)

		for _, inst := range []*Instance{
			{ID: "due", PhoneNumber: "+1", AssignedServer: "here", Lifecycle: LifecycleApproved, ExpiresAt: &past},
			{ID: "ok", PhoneNumber: "+2", AssignedServer: "here", Lifecycle: LifecycleApproved},
			{ID: "stale", PhoneNumber: "+3", AssignedServer: "here", ConnStatus: ConnOffline},
		} {
			if err := store.CreateInstance(ctx, inst); err != nil {
				t.Fatalf("CreateInstance(%s): %v", inst.ID, err)
			}
		}
		if _, err := store.DB().Exec(
			`UPDATE instances SET updated_at = $1 WHERE id = $2`,
			now.Add(-40*time.Minute).UTC(), "stale"); err != nil {
			t.Fatalf("backdate: %v", err)
		}

		expired, err := store.ExpireOverdue(ctx, "here", now)
		if err != nil {
			t.Fatalf("ExpireOverdue: %v", err)
		}
		if len(expired) != 1 || expired[0] != "due" {
			t.Errorf("expired = %v, want [due]", expired)
		}

		deleted, err := store.DeleteAbandoned(ctx, "here", 30*time.Minute)
		if err != nil {
			t.Fatalf("DeleteAbandoned: %v", err)
		}
		if len(deleted) != 1 || deleted[0] != "stale" {
			t.Errorf("deleted = %v, want [stale]", deleted)
		}
	})
}

func TestPostgresFleetHeartbeat(t *testing.T) {
	WithPostgresStore(t, func(t *testing.T, store *PostgresStore) {
		ctx := context.Background()

		for i, name := range []string{"node-a", "node-b"} {
			err := store.UpsertFleetHeartbeat(ctx, &FleetServer{
				ServerName:    name,
				ActiveTenants: 3 - i,
				CapacityLimit: 10,
			})
			if err != nil {
				t.Fatalf("UpsertFleetHeartbeat(%s): %v", name, err)
			}
		}
		// Upsert path, not a second insert.
		if err := store.UpsertFleetHeartbeat(ctx, &FleetServer{ServerName: "node-a", ActiveTenants: 0, CapacityLimit: 10}); err != nil {
			t.Fatalf("refresh heartbeat: %v", err)
		}

		fresh, err := store.FreshFleetServers(ctx, 2*time.Minute)
		if err != nil {
			t.Fatalf("FreshFleetServers: %v", err)
		}
		if len(fresh) != 2 || fresh[0].ServerName != "node-a" {
			t.Errorf("fresh = %+v, want node-a (0 tenants) first of 2", fresh)
		}
	})
}
