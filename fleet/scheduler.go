// Package fleet handles cross-server coordination: heartbeat
// publication and placement of instances onto fleet members. Servers
// never talk to each other directly; everything goes through the
// store's fleet table.
package fleet

import (
	"context"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
)

// Scheduler picks the fleet member that should run a new or migrating
// instance.
type Scheduler struct {
	store     storage.Store
	log       *logger.Logger
	selfName  string
	freshness time.Duration
}

// NewScheduler creates a Scheduler. freshness is the heartbeat window
// outside which a fleet member is ignored.
func NewScheduler(store storage.Store, log *logger.Logger, selfName string, freshness time.Duration) *Scheduler {
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &Scheduler{
		store:     store,
		log:       log,
		selfName:  selfName,
		freshness: freshness,
	}
}

// PickTargetServer returns the least-loaded active fleet member with
// a fresh heartbeat, falling back to this server's own name when none
// qualifies so placement always makes progress.
//
// This is a single read with no lock: two servers placing two
// instances concurrently may both pick the same least-loaded target.
// That looseness is accepted; heartbeats rebalance the counts on the
// next publication.
func (s *Scheduler) PickTargetServer(ctx context.Context) (string, error) {
	servers, err := s.store.FreshFleetServers(ctx, s.freshness)
	if err != nil {
		// A store hiccup must not block placement; self-place and log.
		s.log.Warn("Fleet query failed, self-placing", "error", err)
		return s.selfName, nil
	}
	if len(servers) == 0 {
		s.log.Info("No fresh fleet member available, self-placing", "server", s.selfName)
		return s.selfName, nil
	}
	target := servers[0]
	s.log.Debug("Placement selected", "server", target.ServerName, "tenants", target.ActiveTenants)
	return target.ServerName, nil
}
