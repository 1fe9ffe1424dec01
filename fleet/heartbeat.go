package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
)

// Publisher periodically recomputes this server's approved tenant
// count and writes its fleet heartbeat row. It is the only writer of
// this server's capacity state. A server that stops publishing ages
// out of the placement freshness window on its own; no explicit
// deregistration exists.
type Publisher struct {
	store    storage.Store
	log      *logger.Logger
	selfName string
	capacity int
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher creates a heartbeat publisher for this server.
func NewPublisher(store storage.Store, log *logger.Logger, selfName string, capacity int, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Publisher{
		store:    store,
		log:      log,
		selfName: selfName,
		capacity: capacity,
		interval: interval,
	}
}

// Start begins periodic publication. An immediate beat runs first so
// the server is placeable right away.
func (p *Publisher) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
}

// Stop halts publication and waits for the loop to finish.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()

	p.beat()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.beat()
		}
	}
}

// beat publishes one heartbeat. Store errors are transient; the next
// tick retries.
func (p *Publisher) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	count, err := p.store.CountAssignedApproved(ctx, p.selfName)
	if err != nil {
		p.log.WarnRateLimited("heartbeat", time.Minute, "Heartbeat count failed", "error", err)
		return
	}

	availability := storage.AvailabilityActive
	if p.capacity > 0 && count >= p.capacity {
		availability = storage.AvailabilityFull
	}

	err = p.store.UpsertFleetHeartbeat(ctx, &storage.FleetServer{
		ServerName:    p.selfName,
		ActiveTenants: count,
		CapacityLimit: p.capacity,
		LastHeartbeat: time.Now().UTC(),
		Availability:  availability,
	})
	if err != nil {
		p.log.WarnRateLimited("heartbeat", time.Minute, "Heartbeat publish failed", "error", err)
		return
	}
	p.log.Debug("Heartbeat published", "server", p.selfName, "tenants", count, "availability", availability)
}
