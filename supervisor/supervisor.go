// Package supervisor owns the per-server map of live worker
// processes: spawning, stopping, crash restarts and port allocation.
// The instance store stays authoritative; everything held here is a
// local cache reconcilable from the store after a daemon restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/protocol"
	"github.com/trekkermoja1/Wabot-trekker-sub000/session"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
)

// ErrKeepStopped is returned by Start when the instance carries the
// explicit offline keep-stopped signal; the start is skipped, not
// failed.
var ErrKeepStopped = errors.New("instance is marked offline, start skipped")

// ErrExpired is returned by Start for instances past their lifecycle.
var ErrExpired = errors.New("instance lifecycle is expired")

// SpawnFunc builds and starts the worker process for an instance.
// Injectable for tests.
type SpawnFunc func(inst *storage.Instance, port int) (*exec.Cmd, error)

// Config holds supervisor tuning.
type Config struct {
	ServerName   string
	DataDir      string
	WorkerBinary string
	BasePort     int           // first port handed out on a fresh server
	RestartDelay time.Duration // flat delay before a crash restart
	StartGrace   time.Duration // window in which an exit counts as immediate-crash
	StopWait     time.Duration // grace before a stopped child is killed hard
	PollInterval time.Duration // liveness poll for adopted workers
}

func (c *Config) applyDefaults() {
	if c.BasePort <= 0 {
		c.BasePort = 4000
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.StartGrace <= 0 {
		c.StartGrace = 2 * time.Second
	}
	if c.StopWait <= 0 {
		c.StopWait = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// workerProc tracks one live child.
type workerProc struct {
	instanceID string
	cmd        *exec.Cmd
	pid        int
	port       int
	startedAt  time.Time
	killed     bool // set under Supervisor.mu before an intentional stop
	exited     chan struct{}
}

// Supervisor starts, stops and restarts worker processes for this
// server's instances. At most one live child is tracked per instance
// id.
type Supervisor struct {
	cfg   Config
	store storage.Store
	log   *logger.Logger
	spawn SpawnFunc

	mu       sync.Mutex
	procs    map[string]*workerProc
	starting map[string]struct{} // ids with a start in flight, pre-procs
	ports    map[string]int
	nextPort int
	closed   bool
}

// New creates a Supervisor and reseeds the port counter from the
// store (max assigned port + 1) so allocation never collides after a
// daemon restart.
func New(ctx context.Context, store storage.Store, log *logger.Logger, cfg Config) (*Supervisor, error) {
	cfg.applyDefaults()
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("server name required")
	}

	maxPort, err := store.MaxAssignedPort(ctx, cfg.ServerName)
	if err != nil {
		return nil, fmt.Errorf("recover port counter: %w", err)
	}
	next := cfg.BasePort
	if maxPort >= next {
		next = maxPort + 1
	}

	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		log:      log,
		procs:    make(map[string]*workerProc),
		starting: make(map[string]struct{}),
		ports:    make(map[string]int),
		nextPort: next,
	}
	s.spawn = s.spawnWorker
	log.Info("Supervisor initialized", "server", cfg.ServerName, "next_port", next)
	return s, nil
}

// SetSpawnFunc replaces the process launcher. Test hook.
func (s *Supervisor) SetSpawnFunc(f SpawnFunc) {
	s.spawn = f
}

// Running reports whether a live, non-stopped child is tracked for
// the instance.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	return ok && !p.killed
}

// Port returns the port allocated to the instance on this server, 0
// when none has been handed out yet.
func (s *Supervisor) Port(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[id]
}

// ForgetPort drops the cached port for an instance that no longer
// belongs to this server, keeping the cache in step with the store
// after a move. Ports are never recycled; a returning instance gets a
// fresh one from the counter.
func (s *Supervisor) ForgetPort(id string) {
	s.mu.Lock()
	delete(s.ports, id)
	s.mu.Unlock()
}

// Start launches the worker process for an instance. A live tracked
// child makes this a no-op. The offline keep-stopped signal and an
// expired lifecycle are honored by skipping the start. When no local
// credential material exists, the store's blob seeds the session
// directory (local material always wins otherwise). An exit within
// the grace window is reported as an immediate-crash failure and is
// not retried here.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	if p, ok := s.procs[id]; ok && !p.killed {
		s.mu.Unlock()
		s.log.Debug("Worker already running", "instance", id, "pid", p.pid)
		return nil
	}
	if _, inflight := s.starting[id]; inflight {
		s.mu.Unlock()
		s.log.Debug("Worker start already in flight", "instance", id)
		return nil
	}
	// Reserve the id while the lock is still held so racing callers
	// (management API vs the crash-restart timer) cannot all pass the
	// running check and spawn duplicates.
	s.starting[id] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, id)
		s.mu.Unlock()
	}()

	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	if inst.Lifecycle == storage.LifecycleExpired {
		return fmt.Errorf("start %s: %w", id, ErrExpired)
	}
	if inst.ConnStatus == storage.ConnOffline {
		return fmt.Errorf("start %s: %w", id, ErrKeepStopped)
	}

	// A detached worker that survived the previous daemon incarnation
	// is still recorded in the store. Adopt it rather than spawning a
	// second process onto the same port; it cannot be Wait()ed on, so
	// a poll-based watcher stands in for the exit notification.
	if inst.ProcessID != nil && pidAlive(*inst.ProcessID) {
		port, _ := s.allocatePort(inst)
		p := &workerProc{
			instanceID: id,
			pid:        *inst.ProcessID,
			port:       port,
			startedAt:  time.Now(),
			exited:     make(chan struct{}),
		}
		s.mu.Lock()
		s.procs[id] = p
		s.mu.Unlock()
		go s.watchAdopted(p)
		s.log.Info("Adopted surviving worker", "instance", id, "pid", p.pid, "port", port)
		return nil
	}

	port, fresh := s.allocatePort(inst)
	if fresh || inst.AssignedServer != s.cfg.ServerName {
		if err := s.store.AssignPlacement(ctx, id, s.cfg.ServerName, port); err != nil {
			return fmt.Errorf("start %s: persist placement: %w", id, err)
		}
	}

	sess := session.New(s.cfg.DataDir, id)
	if !sess.HasLocalMaterial() && len(inst.Credentials) > 0 {
		if err := protocol.ValidateCredentials(inst.Credentials); err != nil {
			if serr := s.store.SetConnectionStatus(ctx, id, storage.ConnCorrupted); serr != nil {
				s.log.Warn("Failed to record corrupted status", "instance", id, "error", serr)
			}
			return fmt.Errorf("start %s: stored credentials are corrupted: %v", id, err)
		}
		if err := sess.WriteCredentials(inst.Credentials); err != nil {
			return fmt.Errorf("start %s: seed session: %w", id, err)
		}
		s.log.Info("Seeded session from stored credentials", "instance", id)
	}

	cmd, err := s.spawn(inst, port)
	if err != nil {
		return fmt.Errorf("start %s: spawn worker: %w", id, err)
	}

	p := &workerProc{
		instanceID: id,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		port:       port,
		startedAt:  time.Now(),
		exited:     make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	if err := s.store.SetProcessID(ctx, id, p.pid); err != nil {
		s.log.Warn("Failed to record worker pid", "instance", id, "pid", p.pid, "error", err)
	}

	go s.watch(p)

	// Grace-period check: a child that dies this fast is an
	// immediate-crash start failure for the caller, not a candidate
	// for the exit-triggered restart.
	select {
	case <-p.exited:
		return fmt.Errorf("start %s: worker exited immediately (pid %d)", id, p.pid)
	case <-time.After(s.cfg.StartGrace):
	}

	s.log.Info("Worker started", "instance", id, "pid", p.pid, "port", port)
	return nil
}

// Stop terminates the instance's worker. Both the locally tracked
// child and the pid recorded in the store are signaled; the latter
// covers a daemon restart that lost the in-memory map. A process that
// is already gone counts as success. Local and store-side tracking
// are cleared either way, and the instance is marked offline (the
// explicit keep-stopped signal the start gate honors).
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	p := s.procs[id]
	if p != nil {
		p.killed = true
	}
	s.mu.Unlock()

	var signaledPID int
	if p != nil {
		signaledPID = p.pid
		if p.cmd != nil {
			if err := terminateProcess(p.cmd.Process); err != nil {
				s.log.Warn("Failed to signal tracked worker", "instance", id, "pid", p.pid, "error", err)
			}
		} else if err := signalPID(p.pid); err != nil {
			s.log.Warn("Failed to signal adopted worker", "instance", id, "pid", p.pid, "error", err)
		}
		go s.killAfter(p)
	}

	// Stale pid recorded by a previous daemon incarnation.
	if inst, err := s.store.GetInstance(ctx, id); err == nil {
		if inst.ProcessID != nil && *inst.ProcessID != signaledPID {
			if err := signalPID(*inst.ProcessID); err != nil {
				s.log.Debug("Stale worker pid already gone", "instance", id, "pid", *inst.ProcessID)
			}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("Failed to read instance during stop", "instance", id, "error", err)
	}

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()

	if err := s.store.ClearProcessID(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("stop %s: clear pid: %w", id, err)
	}
	if err := s.store.SetConnectionStatus(ctx, id, storage.ConnOffline); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("Failed to mark instance offline", "instance", id, "error", err)
	}

	s.log.Info("Worker stopped", "instance", id)
	return nil
}

// Close stops scheduling restarts. Live children are left running:
// workers are detached from the daemon's lifetime on purpose and a
// restarted daemon reconciles them from the store.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// allocatePort returns the instance's stable port on this server,
// minting a new one from the monotonic counter when it has none.
// fresh reports whether the assignment needs persisting.
func (s *Supervisor) allocatePort(inst *storage.Instance) (port int, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if port, ok := s.ports[inst.ID]; ok {
		return port, false
	}
	if inst.AssignedPort > 0 && inst.AssignedServer == s.cfg.ServerName {
		s.ports[inst.ID] = inst.AssignedPort
		if inst.AssignedPort >= s.nextPort {
			s.nextPort = inst.AssignedPort + 1
		}
		return inst.AssignedPort, false
	}

	port = s.nextPort
	s.nextPort++
	s.ports[inst.ID] = port
	return port, true
}

// watch waits for the child to exit and drives the crash-restart path.
func (s *Supervisor) watch(p *workerProc) {
	waitErr := p.cmd.Wait()
	clean := waitErr == nil && p.cmd.ProcessState != nil && p.cmd.ProcessState.ExitCode() == 0
	immediate := time.Since(p.startedAt) < s.cfg.StartGrace
	s.reap(p, clean, immediate, waitErr)
}

// watchAdopted polls an adopted worker for liveness. An adopted
// process is not our child, so there is no Wait and no exit code; any
// death is treated as an unexpected exit.
func (s *Supervisor) watchAdopted(p *workerProc) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for pidAlive(p.pid) {
		<-ticker.C
	}
	s.reap(p, false, false, errors.New("adopted worker exited"))
}

// reap clears tracking for an exited child and schedules the crash
// restart when the exit was neither requested nor clean.
func (s *Supervisor) reap(p *workerProc, clean, immediate bool, waitErr error) {
	close(p.exited)

	s.mu.Lock()
	killed := p.killed
	closed := s.closed
	if s.procs[p.instanceID] == p {
		delete(s.procs, p.instanceID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.ClearProcessID(ctx, p.instanceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("Failed to clear pid after exit", "instance", p.instanceID, "error", err)
	}

	if killed || closed {
		return
	}
	if clean {
		s.log.Info("Worker exited cleanly", "instance", p.instanceID, "pid", p.pid)
		return
	}
	if immediate {
		// Immediate crash: Start reports the failure to its caller,
		// no auto-restart. Retrying is the caller's call.
		return
	}

	s.log.Warn("Worker exited unexpectedly, scheduling restart",
		"instance", p.instanceID, "pid", p.pid, "delay", s.cfg.RestartDelay, "error", waitErr)

	// Flat delay, not exponential: connection-level backoff belongs
	// to the worker's own reconnect loop. The restart re-enters the
	// same gates as an explicit start, so a no-longer-desired
	// instance stays down.
	time.AfterFunc(s.cfg.RestartDelay, func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Start(ctx, p.instanceID); err != nil {
			switch {
			case errors.Is(err, ErrKeepStopped), errors.Is(err, ErrExpired), errors.Is(err, storage.ErrNotFound):
				s.log.Info("Restart skipped", "instance", p.instanceID, "reason", err)
			default:
				s.log.Error("Restart failed", "instance", p.instanceID, "error", err)
			}
		}
	})
}

// killAfter escalates to a hard kill when a stopped child ignores the
// termination signal.
func (s *Supervisor) killAfter(p *workerProc) {
	select {
	case <-p.exited:
	case <-time.After(s.cfg.StopWait):
		s.log.Warn("Worker ignored stop signal, killing", "instance", p.instanceID, "pid", p.pid)
		if p.cmd != nil {
			_ = p.cmd.Process.Kill()
		} else {
			killPID(p.pid)
		}
	}
}

// spawnWorker is the default SpawnFunc: launch the worker binary
// detached from the daemon's lifetime with its stdio appended to a
// per-instance log file.
func (s *Supervisor) spawnWorker(inst *storage.Instance, port int) (*exec.Cmd, error) {
	bin := s.cfg.WorkerBinary
	if bin == "" {
		bin = "wabot-worker"
	}

	cmd := exec.Command(bin,
		"-id", inst.ID,
		"-phone", inst.PhoneNumber,
		"-port", strconv.Itoa(port),
	)
	cmd.Env = append(os.Environ(), "WABOT_SERVER_NAME="+s.cfg.ServerName)
	cmd.SysProcAttr = detachAttrs()

	logDir := filepath.Join(s.cfg.DataDir, inst.ID)
	if err := os.MkdirAll(logDir, 0700); err == nil {
		if f, err := os.OpenFile(filepath.Join(logDir, "worker.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
