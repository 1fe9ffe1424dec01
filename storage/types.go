package storage

import (
	"context"
	"errors"
	"time"
)

// Lifecycle status values for an instance. Business lifecycle, set by
// approval/renewal actions and the expiration sweeper.
const (
	LifecycleNew      = "new"
	LifecycleApproved = "approved"
	LifecycleExpired  = "expired"
)

// Connection status values, written by the worker process owning the
// instance (and by the supervisor for the offline keep-stopped signal).
const (
	ConnNew        = "new"
	ConnConnecting = "connecting"
	ConnConnected  = "connected"
	ConnOffline    = "offline"
	ConnCorrupted  = "corrupted"
	ConnLoggedOut  = "logged_out"
	ConnNoSession  = "no_session"
)

// Fleet availability values.
const (
	AvailabilityActive = "active"
	AvailabilityFull   = "full"
)

// ErrNotFound is returned when a requested instance does not exist.
var ErrNotFound = errors.New("instance not found")

// Instance is one phone-number-bound bot identity and its
// orchestration record. The store is the source of truth; the
// supervisor's in-memory process/port maps are a local cache
// reconcilable from here after a restart.
type Instance struct {
	ID             string            `json:"id"`
	DisplayName    string            `json:"display_name"`
	PhoneNumber    string            `json:"phone_number"`
	Lifecycle      string            `json:"lifecycle_status"`
	ConnStatus     string            `json:"connection_status"`
	AssignedServer string            `json:"assigned_server"`
	AssignedPort   int               `json:"assigned_port"`
	ProcessID      *int              `json:"process_id,omitempty"`
	Credentials    []byte            `json:"-"` // opaque serialized session state
	FeatureFlags   map[string]string `json:"feature_flags,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ApprovedAt     *time.Time        `json:"approved_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// FleetServer is one fleet member's heartbeat/capacity row. Upserted
// at daemon startup, refreshed by the heartbeat publisher, read by
// placement. Never deleted automatically; a server that stops
// publishing ages out of the freshness window instead.
type FleetServer struct {
	ServerName    string    `json:"server_name"`
	ActiveTenants int       `json:"active_tenant_count"`
	CapacityLimit int       `json:"capacity_limit"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Availability  string    `json:"availability"`
}

// InstanceFilter narrows ListInstances results. Zero values match everything.
type InstanceFilter struct {
	Lifecycle  string
	ConnStatus string
	Server     string
	Search     string // matches display name or phone number
	Limit      int
	Offset     int
}

// Store defines the instance/fleet persistence contract. Dialect
// differences between the two engines stay behind these named
// operations; callers never see SQL.
type Store interface {
	// Instance lifecycle
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceByPhone(ctx context.Context, phone string) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	DeleteInstance(ctx context.Context, id string) error
	ApproveInstance(ctx context.Context, id string, expiresAt time.Time) error
	RenewInstance(ctx context.Context, id string, expiresAt time.Time) error

	// Live state, written by supervisor and worker
	SetConnectionStatus(ctx context.Context, id, status string) error
	SetProcessID(ctx context.Context, id string, pid int) error
	ClearProcessID(ctx context.Context, id string) error
	AssignPlacement(ctx context.Context, id, server string, port int) error
	SetCredentials(ctx context.Context, id string, blob []byte) error
	GetCredentials(ctx context.Context, id string) ([]byte, error)
	SetFeatureFlag(ctx context.Context, id, key, value string) error
	FeatureFlags(ctx context.Context, id string) (map[string]string, error)

	// Fleet coordination
	UpsertFleetHeartbeat(ctx context.Context, server *FleetServer) error
	FreshFleetServers(ctx context.Context, window time.Duration) ([]*FleetServer, error)
	ListFleetServers(ctx context.Context) ([]*FleetServer, error)
	CountAssignedApproved(ctx context.Context, server string) (int, error)

	// Supervisor restart recovery
	MaxAssignedPort(ctx context.Context, server string) (int, error)

	// Sweeper operations; both return the ids actually mutated so side
	// effects run only for rows this sweep transitioned.
	DeleteAbandoned(ctx context.Context, server string, grace time.Duration) ([]string, error)
	ExpireOverdue(ctx context.Context, server string, now time.Time) ([]string, error)

	Close() error
}
