package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// BaseStore provides the shared instance/fleet operations that work
// across SQLite and PostgreSQL. It embeds a *sql.DB connection and a
// Dialect for handling SQL syntax differences.
//
// Query placeholders are written using SQLite style (?) and converted
// at runtime when using PostgreSQL.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
	dbPath  string // SQLite file path or postgres DSN, informational
}

// NewBaseStore creates a new BaseStore with the given database connection and dialect.
func NewBaseStore(db *sql.DB, dialect Dialect, dbPath string) *BaseStore {
	return &BaseStore{
		db:      db,
		dialect: dialect,
		dbPath:  dbPath,
	}
}

// DB returns the underlying database connection.
func (s *BaseStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect being used.
func (s *BaseStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *BaseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// query converts SQLite-style ? placeholders to the dialect's format.
func (s *BaseStore) query(q string) string {
	if s.dialect.Name() == "postgres" {
		return ConvertPlaceholders(q)
	}
	return q
}

func (s *BaseStore) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.query(query), args...)
}

// ============================================================================
// Instance Lifecycle
// ============================================================================

const instanceColumns = `id, display_name, phone_number, lifecycle_status, connection_status,
       assigned_server, assigned_port, process_id, credential_blob, feature_flags,
       created_at, approved_at, expires_at, updated_at`

// CreateInstance inserts a new instance record. Lifecycle and
// connection status default to "new" when unset.
func (s *BaseStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id required")
	}
	if inst.Lifecycle == "" {
		inst.Lifecycle = LifecycleNew
	}
	if inst.ConnStatus == "" {
		inst.ConnStatus = ConnNew
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	flags, err := encodeFlags(inst.FeatureFlags)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO instances (
			id, display_name, phone_number, lifecycle_status, connection_status,
			assigned_server, assigned_port, process_id, credential_blob, feature_flags,
			created_at, approved_at, expires_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.execContext(ctx, query,
		inst.ID, inst.DisplayName, inst.PhoneNumber, inst.Lifecycle, inst.ConnStatus,
		nullString(inst.AssignedServer), inst.AssignedPort, nullInt(inst.ProcessID),
		inst.Credentials, flags,
		inst.CreatedAt, nullTime(inst.ApprovedAt), nullTime(inst.ExpiresAt), inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	return nil
}

// GetInstance retrieves an instance by id.
func (s *BaseStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.queryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// GetInstanceByPhone retrieves an instance by phone number.
func (s *BaseStore) GetInstanceByPhone(ctx context.Context, phone string) (*Instance, error) {
	row := s.queryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE phone_number = ?`, phone)
	return scanInstance(row)
}

// ListInstances returns instances matching the filter, newest first.
func (s *BaseStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE 1=1`
	var args []interface{}

	if filter.Lifecycle != "" {
		query += ` AND lifecycle_status = ?`
		args = append(args, filter.Lifecycle)
	}
	if filter.ConnStatus != "" {
		query += ` AND connection_status = ?`
		args = append(args, filter.ConnStatus)
	}
	if filter.Server != "" {
		query += ` AND assigned_server = ?`
		args = append(args, filter.Server)
	}
	if filter.Search != "" {
		query += ` AND (LOWER(display_name) LIKE LOWER(?) OR phone_number LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY created_at DESC`
	if clause := s.dialect.LimitOffset(filter.Limit, filter.Offset); clause != "" {
		query += " " + clause
	}

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// DeleteInstance removes an instance record.
func (s *BaseStore) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.execContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// ApproveInstance moves an instance into the approved lifecycle with
// the given expiry.
func (s *BaseStore) ApproveInstance(ctx context.Context, id string, expiresAt time.Time) error {
	now := time.Now().UTC()
	res, err := s.execContext(ctx, `
		UPDATE instances
		SET lifecycle_status = ?, approved_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		LifecycleApproved, now, expiresAt.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("approve instance %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// RenewInstance extends an instance's expiry, reviving an expired
// lifecycle back to approved.
func (s *BaseStore) RenewInstance(ctx context.Context, id string, expiresAt time.Time) error {
	now := time.Now().UTC()
	res, err := s.execContext(ctx, `
		UPDATE instances
		SET lifecycle_status = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		LifecycleApproved, expiresAt.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("renew instance %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// ============================================================================
// Live State
// ============================================================================

// SetConnectionStatus records the instance's live connection health.
func (s *BaseStore) SetConnectionStatus(ctx context.Context, id, status string) error {
	res, err := s.execContext(ctx,
		`UPDATE instances SET connection_status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set connection status for %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// SetProcessID records the live worker's OS process id.
func (s *BaseStore) SetProcessID(ctx context.Context, id string, pid int) error {
	res, err := s.execContext(ctx,
		`UPDATE instances SET process_id = ?, updated_at = ? WHERE id = ?`,
		pid, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set process id for %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// ClearProcessID clears the recorded OS process id on stop.
func (s *BaseStore) ClearProcessID(ctx context.Context, id string) error {
	_, err := s.execContext(ctx,
		`UPDATE instances SET process_id = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clear process id for %s: %w", id, err)
	}
	return nil
}

// AssignPlacement records the server/port responsible for this instance.
func (s *BaseStore) AssignPlacement(ctx context.Context, id, server string, port int) error {
	res, err := s.execContext(ctx,
		`UPDATE instances SET assigned_server = ?, assigned_port = ?, updated_at = ? WHERE id = ?`,
		server, port, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("assign placement for %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// SetCredentials stores the serialized credential blob.
func (s *BaseStore) SetCredentials(ctx context.Context, id string, blob []byte) error {
	res, err := s.execContext(ctx,
		`UPDATE instances SET credential_blob = ?, updated_at = ? WHERE id = ?`,
		blob, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set credentials for %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// GetCredentials returns the stored credential blob, nil when absent.
func (s *BaseStore) GetCredentials(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.queryRowContext(ctx, `SELECT credential_blob FROM instances WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials for %s: %w", id, err)
	}
	return blob, nil
}

// SetFeatureFlag sets one feature flag, preserving the others.
func (s *BaseStore) SetFeatureFlag(ctx context.Context, id, key, value string) error {
	flags, err := s.FeatureFlags(ctx, id)
	if err != nil {
		return err
	}
	if flags == nil {
		flags = make(map[string]string)
	}
	flags[key] = value
	encoded, err := encodeFlags(flags)
	if err != nil {
		return err
	}
	res, err := s.execContext(ctx,
		`UPDATE instances SET feature_flags = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set feature flag for %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// FeatureFlags returns the instance's feature flags.
func (s *BaseStore) FeatureFlags(ctx context.Context, id string) (map[string]string, error) {
	var raw sql.NullString
	err := s.queryRowContext(ctx, `SELECT feature_flags FROM instances WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feature flags for %s: %w", id, err)
	}
	return decodeFlags(raw)
}

// ============================================================================
// Fleet Coordination
// ============================================================================

// UpsertFleetHeartbeat inserts or refreshes this server's fleet row.
func (s *BaseStore) UpsertFleetHeartbeat(ctx context.Context, server *FleetServer) error {
	if server.LastHeartbeat.IsZero() {
		server.LastHeartbeat = time.Now().UTC()
	}
	if server.Availability == "" {
		server.Availability = AvailabilityActive
	}
	query := `
		INSERT INTO fleet_servers (server_name, active_tenant_count, capacity_limit, last_heartbeat, availability)
		VALUES (?, ?, ?, ?, ?)
		` + s.dialect.UpsertConflict([]string{"server_name"}) + `
			active_tenant_count = excluded.active_tenant_count,
			capacity_limit = excluded.capacity_limit,
			last_heartbeat = excluded.last_heartbeat,
			availability = excluded.availability
	`
	_, err := s.execContext(ctx, query,
		server.ServerName, server.ActiveTenants, server.CapacityLimit,
		server.LastHeartbeat.UTC(), server.Availability)
	if err != nil {
		return fmt.Errorf("upsert fleet heartbeat for %s: %w", server.ServerName, err)
	}
	return nil
}

// FreshFleetServers returns active servers whose heartbeat is newer
// than the freshness window, least loaded first. Placement reads this
// without locking; the duplicate-placement race is accepted.
func (s *BaseStore) FreshFleetServers(ctx context.Context, window time.Duration) ([]*FleetServer, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.queryContext(ctx, `
		SELECT server_name, active_tenant_count, capacity_limit, last_heartbeat, availability
		FROM fleet_servers
		WHERE availability = ? AND last_heartbeat > ?
		ORDER BY active_tenant_count ASC, server_name ASC`,
		AvailabilityActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query fresh fleet servers: %w", err)
	}
	defer rows.Close()
	return scanFleetServers(rows)
}

// ListFleetServers returns every known fleet member.
func (s *BaseStore) ListFleetServers(ctx context.Context) ([]*FleetServer, error) {
	rows, err := s.queryContext(ctx, `
		SELECT server_name, active_tenant_count, capacity_limit, last_heartbeat, availability
		FROM fleet_servers
		ORDER BY server_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list fleet servers: %w", err)
	}
	defer rows.Close()
	return scanFleetServers(rows)
}

// CountAssignedApproved counts approved instances assigned to the
// given server. This is the number the heartbeat publisher reports.
func (s *BaseStore) CountAssignedApproved(ctx context.Context, server string) (int, error) {
	var count int
	err := s.queryRowContext(ctx, `
		SELECT COUNT(*) FROM instances
		WHERE assigned_server = ? AND lifecycle_status = ?`,
		server, LifecycleApproved).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count assigned instances for %s: %w", server, err)
	}
	return count, nil
}

// MaxAssignedPort returns the highest port ever assigned on the given
// server, 0 when none. The supervisor reseeds its port counter from
// this after a restart so allocation never collides.
func (s *BaseStore) MaxAssignedPort(ctx context.Context, server string) (int, error) {
	var maxPort sql.NullInt64
	err := s.queryRowContext(ctx,
		`SELECT MAX(assigned_port) FROM instances WHERE assigned_server = ?`,
		server).Scan(&maxPort)
	if err != nil {
		return 0, fmt.Errorf("max assigned port for %s: %w", server, err)
	}
	if !maxPort.Valid {
		return 0, nil
	}
	return int(maxPort.Int64), nil
}

// ============================================================================
// Sweeper Operations
// ============================================================================

// DeleteAbandoned deletes never-approved instances that have sat
// offline past the grace window, scoped to the given server. Returns
// the ids actually deleted.
func (s *BaseStore) DeleteAbandoned(ctx context.Context, server string, grace time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-grace)
	query := `
		DELETE FROM instances
		WHERE assigned_server = ? AND lifecycle_status = ? AND connection_status = ? AND updated_at < ?
		` + s.dialect.ReturningClause("id")
	rows, err := s.queryContext(ctx, query, server, LifecycleNew, ConnOffline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete abandoned instances: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ExpireOverdue flips approved instances past their expiry to the
// expired lifecycle, scoped to the given server. Returns the ids
// actually transitioned so the caller stops only those workers; a row
// mutated concurrently by an admin action is not double-processed.
func (s *BaseStore) ExpireOverdue(ctx context.Context, server string, now time.Time) ([]string, error) {
	query := `
		UPDATE instances
		SET lifecycle_status = ?, updated_at = ?
		WHERE assigned_server = ? AND lifecycle_status = ? AND expires_at IS NOT NULL AND expires_at < ?
		` + s.dialect.ReturningClause("id")
	rows, err := s.queryContext(ctx, query,
		LifecycleExpired, time.Now().UTC(), server, LifecycleApproved, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire overdue instances: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ============================================================================
// Scan Helpers
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstanceFrom(sc rowScanner) (*Instance, error) {
	var inst Instance
	var displayName, assignedServer, flags sql.NullString
	var assignedPort, processID sql.NullInt64
	var approvedAt, expiresAt sql.NullTime

	err := sc.Scan(
		&inst.ID, &displayName, &inst.PhoneNumber, &inst.Lifecycle, &inst.ConnStatus,
		&assignedServer, &assignedPort, &processID, &inst.Credentials, &flags,
		&inst.CreatedAt, &approvedAt, &expiresAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.DisplayName = displayName.String
	inst.AssignedServer = assignedServer.String
	inst.AssignedPort = int(assignedPort.Int64)
	inst.ProcessID = intPtr(processID)
	inst.ApprovedAt = timePtr(approvedAt)
	inst.ExpiresAt = timePtr(expiresAt)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()

	decoded, err := decodeFlags(flags)
	if err != nil {
		return nil, err
	}
	inst.FeatureFlags = decoded
	return &inst, nil
}

func scanInstance(row *sql.Row) (*Instance, error) {
	inst, err := scanInstanceFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	return inst, nil
}

func scanInstanceRows(rows *sql.Rows) (*Instance, error) {
	inst, err := scanInstanceFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	return inst, nil
}

func scanFleetServers(rows *sql.Rows) ([]*FleetServer, error) {
	var servers []*FleetServer
	for rows.Next() {
		var fs FleetServer
		if err := rows.Scan(&fs.ServerName, &fs.ActiveTenants, &fs.CapacityLimit, &fs.LastHeartbeat, &fs.Availability); err != nil {
			return nil, fmt.Errorf("scan fleet server: %w", err)
		}
		fs.LastHeartbeat = fs.LastHeartbeat.UTC()
		servers = append(servers, &fs)
	}
	return servers, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func encodeFlags(flags map[string]string) (sql.NullString, error) {
	if len(flags) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(flags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode feature flags: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeFlags(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var flags map[string]string
	if err := json.Unmarshal([]byte(raw.String), &flags); err != nil {
		return nil, fmt.Errorf("decode feature flags: %w", err)
	}
	return flags, nil
}
