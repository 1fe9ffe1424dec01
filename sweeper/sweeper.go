// Package sweeper runs the periodic lifecycle enforcement job:
// deleting abandoned never-approved instances and expiring time-boxed
// ones. Each server sweeps only its own instances; there are no
// cross-server sweeps.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/session"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
)

// WorkerStopper stops a running worker process. Satisfied by
// *supervisor.Supervisor.
type WorkerStopper interface {
	Stop(ctx context.Context, id string) error
}

// Sweeper enforces instance lifecycle on a schedule.
type Sweeper struct {
	store      storage.Store
	supervisor WorkerStopper
	log        *logger.Logger
	selfName   string
	dataDir    string
	interval   time.Duration
	grace      time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Sweeper. grace is the window after which an
// unapproved offline instance counts as abandoned.
func New(store storage.Store, sup WorkerStopper, log *logger.Logger, selfName, dataDir string, interval, grace time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	return &Sweeper{
		store:      store,
		supervisor: sup,
		log:        log,
		selfName:   selfName,
		dataDir:    dataDir,
		interval:   interval,
		grace:      grace,
	}
}

// Start begins periodic sweeping.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop halts sweeping and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			s.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one pass. Both steps act only on the rows the store
// actually mutated, so overlapping a manual admin action never
// double-processes an instance, and running the sweep twice in a row
// changes nothing the second time.
func (s *Sweeper) Sweep(ctx context.Context) {
	// Step 1: abandoned pairing attempts. Never approved, sitting
	// offline past the grace window.
	deleted, err := s.store.DeleteAbandoned(ctx, s.selfName, s.grace)
	if err != nil {
		s.log.Warn("Abandoned-instance sweep failed", "error", err)
	} else {
		for _, id := range deleted {
			s.log.Info("Deleted abandoned instance", "instance", id)
			if err := session.New(s.dataDir, id).Remove(); err != nil {
				s.log.Warn("Failed to remove session dir", "instance", id, "error", err)
			}
		}
	}

	// Step 2: time-boxed instances past expiry. Stop only the workers
	// whose rows this sweep transitioned.
	expired, err := s.store.ExpireOverdue(ctx, s.selfName, time.Now().UTC())
	if err != nil {
		s.log.Warn("Expiration sweep failed", "error", err)
		return
	}
	for _, id := range expired {
		s.log.Info("Instance expired, stopping worker", "instance", id)
		if err := s.supervisor.Stop(ctx, id); err != nil {
			s.log.Warn("Failed to stop expired worker", "instance", id, "error", err)
		}
	}
}
