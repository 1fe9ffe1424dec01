//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/config"
	"github.com/trekkermoja1/Wabot-trekker-sub000/fleet"
	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
	"github.com/trekkermoja1/Wabot-trekker-sub000/supervisor"
)

type apiEnv struct {
	srv   *httptest.Server
	store *storage.SQLiteStore
	sup   *supervisor.Supervisor
	cfg   *config.Config
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	tmp := t.TempDir()
	store, err := storage.NewSQLiteStore(filepath.Join(tmp, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := logger.New(logger.ERROR, "")
	log.SetConsoleOutput(false)

	cfg := config.Default()
	cfg.Server.Name = "test-node"
	cfg.Server.DataDir = filepath.Join(tmp, "instances")

	sup, err := supervisor.New(context.Background(), store, log, supervisor.Config{
		ServerName: "test-node",
		DataDir:    cfg.Server.DataDir,
		BasePort:   4000,
		StartGrace: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(sup.Close)
	sup.SetSpawnFunc(func(inst *storage.Instance, port int) (*exec.Cmd, error) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return cmd, nil
	})

	s := &Server{
		cfg:        cfg,
		store:      store,
		supervisor: sup,
		scheduler:  fleet.NewScheduler(store, log, "test-node", 5*time.Minute),
		log:        log,
	}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, store: store, sup: sup, cfg: cfg}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCreateInstance(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp := env.do(t, "POST", "/api/v1/instances", map[string]string{
		"display_name": "Support Bot",
		"phone_number": "+15550002222",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	inst := decode[storage.Instance](t, resp)
	if inst.ID == "" || inst.PhoneNumber != "+15550002222" {
		t.Errorf("created instance = %+v", inst)
	}
	// No fleet rows exist, so placement self-falls-back and the worker
	// starts here for pairing.
	if inst.AssignedServer != "test-node" {
		t.Errorf("assigned server = %q, want test-node", inst.AssignedServer)
	}
	if !env.sup.Running(inst.ID) {
		t.Error("worker not started for locally placed instance")
	}

	// Same phone again conflicts.
	resp = env.do(t, "POST", "/api/v1/instances", map[string]string{"phone_number": "+15550002222"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate phone status = %d, want 409", resp.StatusCode)
	}
}

func TestCreateInstanceValidation(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp := env.do(t, "POST", "/api/v1/instances", map[string]string{"display_name": "no phone"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing phone status = %d, want 400", resp.StatusCode)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	resp := env.do(t, "GET", "/api/v1/instances/nope", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListInstancesFilter(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	for i, lifecycle := range []string{storage.LifecycleNew, storage.LifecycleApproved} {
		err := env.store.CreateInstance(ctx, &storage.Instance{
			ID: fmt.Sprintf("i%d", i), PhoneNumber: fmt.Sprintf("+1555000%d", i), Lifecycle: lifecycle,
		})
		if err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}
	}

	resp := env.do(t, "GET", "/api/v1/instances?lifecycle=approved", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[[]*storage.Instance](t, resp)
	if len(got) != 1 || got[0].ID != "i1" {
		t.Errorf("filtered list = %+v", got)
	}
}

func TestApproveStartsWorkerAndSetsExpiry(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "ap", PhoneNumber: "+15550003333", AssignedServer: "test-node",
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	resp := env.do(t, "POST", "/api/v1/instances/ap/approve", map[string]int{"days": 7})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	inst, err := env.store.GetInstance(ctx, "ap")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Lifecycle != storage.LifecycleApproved {
		t.Errorf("lifecycle = %q", inst.Lifecycle)
	}
	wantExpiry := time.Now().UTC().AddDate(0, 0, 7)
	if inst.ExpiresAt == nil || inst.ExpiresAt.Sub(wantExpiry).Abs() > time.Minute {
		t.Errorf("expires_at = %v, want ~%v", inst.ExpiresAt, wantExpiry)
	}
	if !env.sup.Running("ap") {
		t.Error("worker not running after approval")
	}
}

func TestRenewRevivesExpired(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "rn", PhoneNumber: "+15550004444", AssignedServer: "test-node",
		Lifecycle: storage.LifecycleExpired, ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	resp := env.do(t, "POST", "/api/v1/instances/rn/renew", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	inst, err := env.store.GetInstance(ctx, "rn")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Lifecycle != storage.LifecycleApproved {
		t.Errorf("lifecycle = %q after renew", inst.Lifecycle)
	}
	if !env.sup.Running("rn") {
		t.Error("worker not running after renewal")
	}
}

func TestStartClearsKeepStoppedSignal(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "parked", PhoneNumber: "+15550005555", AssignedServer: "test-node",
		Lifecycle: storage.LifecycleApproved, ConnStatus: storage.ConnOffline,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	resp := env.do(t, "POST", "/api/v1/instances/parked/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !env.sup.Running("parked") {
		t.Error("explicit start left the worker parked")
	}
}

func TestStartRejections(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "remote", PhoneNumber: "+15550006666", AssignedServer: "peer-node",
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	err = env.store.CreateInstance(ctx, &storage.Instance{
		ID: "dead", PhoneNumber: "+15550007777", AssignedServer: "test-node",
		Lifecycle: storage.LifecycleExpired,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	resp := env.do(t, "POST", "/api/v1/instances/remote/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("foreign-server start status = %d, want 409", resp.StatusCode)
	}

	resp = env.do(t, "POST", "/api/v1/instances/dead/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expired start status = %d, want 409", resp.StatusCode)
	}

	resp = env.do(t, "POST", "/api/v1/instances/ghost/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown instance start status = %d, want 404", resp.StatusCode)
	}
}

func TestStopMarksOffline(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "st", PhoneNumber: "+15550008888", AssignedServer: "test-node",
		Lifecycle: storage.LifecycleApproved,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := env.sup.Start(ctx, "st"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp := env.do(t, "POST", "/api/v1/instances/st/stop", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if env.sup.Running("st") {
		t.Error("worker still running after stop")
	}
	inst, err := env.store.GetInstance(ctx, "st")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.ConnStatus != storage.ConnOffline {
		t.Errorf("connection status = %q, want offline", inst.ConnStatus)
	}
}

func TestDeleteInstanceStopsAndRemoves(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "del", PhoneNumber: "+15550009990", AssignedServer: "test-node",
		Lifecycle: storage.LifecycleApproved,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := env.sup.Start(ctx, "del"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp := env.do(t, "DELETE", "/api/v1/instances/del", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, err := env.store.GetInstance(ctx, "del"); err == nil {
		t.Error("instance still present after delete")
	}
	if env.sup.Running("del") {
		t.Error("worker still running after delete")
	}
}

func TestMoveReassignsAndClearsPort(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "mv", PhoneNumber: "+15550001212", AssignedServer: "test-node",
		Lifecycle: storage.LifecycleApproved,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := env.sup.Start(ctx, "mv"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp := env.do(t, "POST", "/api/v1/instances/mv/move", map[string]string{"server": "peer-node"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if env.sup.Running("mv") {
		t.Error("worker still running after move")
	}
	inst, err := env.store.GetInstance(ctx, "mv")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.AssignedServer != "peer-node" || inst.AssignedPort != 0 {
		t.Errorf("placement = %s:%d, want peer-node:0", inst.AssignedServer, inst.AssignedPort)
	}
	// The supervisor's port cache follows the store: the moved
	// instance no longer holds a local port.
	if port := env.sup.Port("mv"); port != 0 {
		t.Errorf("cached port = %d after move, want 0", port)
	}

	resp = env.do(t, "POST", "/api/v1/instances/mv/move", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty server status = %d, want 400", resp.StatusCode)
	}
}

func TestMoveToOwnServerRejected(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "home", PhoneNumber: "+15550001213", AssignedServer: "test-node",
		Lifecycle: storage.LifecycleApproved,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := env.sup.Start(ctx, "home"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp := env.do(t, "POST", "/api/v1/instances/home/move", map[string]string{"server": "test-node"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("self-move status = %d, want 400", resp.StatusCode)
	}
	// A rejected move leaves the worker and its port untouched.
	if !env.sup.Running("home") {
		t.Error("worker stopped by rejected move")
	}
	inst, err := env.store.GetInstance(ctx, "home")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.AssignedServer != "test-node" || inst.AssignedPort == 0 {
		t.Errorf("placement = %s:%d, want test-node with its port kept", inst.AssignedServer, inst.AssignedPort)
	}
}

func TestSetFeatureFlag(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	ctx := context.Background()

	err := env.store.CreateInstance(ctx, &storage.Instance{
		ID: "ff", PhoneNumber: "+15550001313", AssignedServer: "test-node",
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	resp := env.do(t, "POST", "/api/v1/instances/ff/features", map[string]string{
		"key": "auto_reply", "value": "on",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	flags := decode[map[string]string](t, resp)
	if flags["auto_reply"] != "on" {
		t.Errorf("flags = %v", flags)
	}
}

func TestFleetEndpoint(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	if err := storage.Bootstrap(context.Background(), env.store, "test-node", 50); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	resp := env.do(t, "GET", "/api/v1/fleet", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	servers := decode[[]*storage.FleetServer](t, resp)
	if len(servers) != 1 || servers[0].ServerName != "test-node" {
		t.Errorf("fleet = %+v", servers)
	}
}

func TestHealthAndVersion(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp := env.do(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	body := decode[map[string]interface{}](t, resp)
	if body["server"] != "test-node" {
		t.Errorf("health body = %v", body)
	}

	resp = env.do(t, "GET", "/api/version", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("version status = %d", resp.StatusCode)
	}
}
