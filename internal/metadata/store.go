// -------------------------------------------------------------------------------
// Store - PostgreSQL Resilience State Storage
//
// Author: Alex Freidah
//
// Persists the resilience subsystem's state in PostgreSQL: the authoritative
// service status row (with optimistic versioning), the durable operation queue,
// the append-only health check and circuit event logs, and alerts. All queue
// state transitions are conditional updates keyed on current status so that
// concurrent workers can never double-process an entry.
// -------------------------------------------------------------------------------

package metadata

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/munchlab/filevault/internal/config"
)

//go:embed migration.sql
var migrationSQL string

// -------------------------------------------------------------------------
// ERRORS
// -------------------------------------------------------------------------

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("operation queue is full")

	// ErrEntryNotFound is returned when a queue entry does not exist.
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrEntryNotPending is returned by Cancel when the entry has already
	// been picked up for processing or reached a terminal state.
	ErrEntryNotPending = errors.New("queue entry is not pending")
)

// -------------------------------------------------------------------------
// STORE
// -------------------------------------------------------------------------

// Store manages resilience state in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new PostgreSQL store connection.
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunMigrations applies the embedded schema DDL. All statements use IF NOT
// EXISTS so this is safe to call on every startup.
func (s *Store) RunMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationSQL)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// SERVICE STATUS
// -------------------------------------------------------------------------

// EnsureServiceStatus creates the default Healthy/Closed row for a service if
// it does not exist yet, and returns the current row. Called once at startup.
func (s *Store) EnsureServiceStatus(ctx context.Context, service string) (*ServiceStatus, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_status (service)
		VALUES ($1)
		ON CONFLICT (service) DO NOTHING
	`, service)
	if err != nil {
		return nil, fmt.Errorf("failed to provision service status: %w", err)
	}
	return s.GetServiceStatus(ctx, service)
}

// GetServiceStatus returns the authoritative status row for a service.
func (s *Store) GetServiceStatus(ctx context.Context, service string) (*ServiceStatus, error) {
	var (
		st                                  ServiceStatus
		lastCheck, lastSuccess, lastFailure sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT service, status, circuit_state, failure_count, success_count,
		       last_check_at, last_success_at, last_failure_at,
		       degradation_reason, version, updated_at
		FROM service_status
		WHERE service = $1
	`, service).Scan(
		&st.Service, &st.Status, &st.CircuitState, &st.FailureCount, &st.SuccessCount,
		&lastCheck, &lastSuccess, &lastFailure,
		&st.DegradationReason, &st.Version, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("service %s not provisioned", service)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}

	if lastCheck.Valid {
		st.LastCheckAt = &lastCheck.Time
	}
	if lastSuccess.Valid {
		st.LastSuccessAt = &lastSuccess.Time
	}
	if lastFailure.Valid {
		st.LastFailureAt = &lastFailure.Time
	}
	return &st, nil
}

// CompareAndSetServiceStatus writes the given status row, keyed on the version
// the caller read. Returns false without modifying anything when the row has
// moved on (another writer won the race); the caller must re-read and retry.
// On success the row's version is incremented, including in st.
func (s *Store) CompareAndSetServiceStatus(ctx context.Context, st *ServiceStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE service_status SET
			status = $1,
			circuit_state = $2,
			failure_count = $3,
			success_count = $4,
			last_check_at = $5,
			last_success_at = $6,
			last_failure_at = $7,
			degradation_reason = $8,
			version = version + 1,
			updated_at = NOW()
		WHERE service = $9 AND version = $10
	`,
		string(st.Status), string(st.CircuitState), st.FailureCount, st.SuccessCount,
		nullTime(st.LastCheckAt), nullTime(st.LastSuccessAt), nullTime(st.LastFailureAt),
		st.DegradationReason, st.Service, st.Version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update service status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	st.Version++
	return true, nil
}

// -------------------------------------------------------------------------
// APPEND-ONLY LOGS
// -------------------------------------------------------------------------

// AppendCircuitEvent records a breaker state transition in the immutable
// event log.
func (s *Store) AppendCircuitEvent(ctx context.Context, ev *CircuitEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_events (service, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, ev.Service, string(ev.FromState), string(ev.ToState), ev.Reason)
	if err != nil {
		return fmt.Errorf("failed to append circuit event: %w", err)
	}
	return nil
}

// RecordHealthCheck appends one probe cycle result to the health check log.
func (s *Store) RecordHealthCheck(ctx context.Context, r *HealthCheckResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_checks (service, operation, status, response_time_ms, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, r.Service, r.Operation, string(r.Status), r.ResponseTimeMs, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to record health check: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// ALERTS
// -------------------------------------------------------------------------

// CreateAlert inserts a new active alert.
func (s *Store) CreateAlert(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, service, alert_type, severity, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, a.ID, a.Service, string(a.Type), string(a.Severity), a.Message, a.Details)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// ResolveAlert marks a single alert resolved. Resolving an already-resolved
// alert is a no-op that returns ErrEntryNotFound so operators get feedback.
func (s *Store) ResolveAlert(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check resolve result: %w", err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// ResolveActiveByType resolves all active alerts of the given type for a
// service. Returns the number of alerts resolved.
func (s *Store) ResolveActiveByType(ctx context.Context, service string, t AlertType) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET resolved_at = NOW()
		WHERE service = $1 AND alert_type = $2 AND resolved_at IS NULL
	`, service, string(t))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve alerts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check resolve result: %w", err)
	}
	return n, nil
}

// ListActiveAlerts returns all unresolved alerts, newest first.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service, alert_type, severity, message, details, created_at, resolved_at
		FROM alerts
		WHERE resolved_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var (
			a        Alert
			resolved sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Service, &a.Type, &a.Severity, &a.Message, &a.Details, &a.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if resolved.Valid {
			a.ResolvedAt = &resolved.Time
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// -------------------------------------------------------------------------
// OPERATION QUEUE
// -------------------------------------------------------------------------

// Enqueue inserts a deferred operation, guarded by the queue capacity and
// idempotent on operation_id. When the id already exists in any state the
// existing row is returned unchanged. Returns ErrQueueFull when the insert
// was suppressed by the capacity guard.
func (s *Store) Enqueue(ctx context.Context, e *QueueEntry, maxQueueSize int) (*QueueEntry, error) {
	// Capacity guard and insert in a single statement so concurrent enqueues
	// cannot overshoot the limit by more than the number of in-flight inserts.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries
			(operation_id, operation_type, payload, priority, status,
			 retry_count, max_retries, scheduled_at, created_at)
		SELECT $1, $2, $3, $4, 'pending', 0, $5, $6, NOW()
		WHERE (SELECT COUNT(*) FROM queue_entries WHERE status IN ('pending', 'processing')) < $7
		ON CONFLICT (operation_id) DO NOTHING
	`, e.OperationID, string(e.Type), e.Payload, e.Priority, e.MaxRetries, e.ScheduledAt, maxQueueSize)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check enqueue result: %w", err)
	}

	existing, err := s.GetEntry(ctx, e.OperationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	// Not inserted and not present: the capacity guard suppressed the insert.
	if inserted == 0 {
		return nil, ErrQueueFull
	}
	return nil, fmt.Errorf("enqueued entry %s not found on read-back", e.OperationID)
}

// GetEntry returns a queue entry by operation id.
func (s *Store) GetEntry(ctx context.Context, operationID string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT operation_id, operation_type, payload, priority, status,
		       retry_count, max_retries, scheduled_at, created_at, completed_at, error_message
		FROM queue_entries
		WHERE operation_id = $1
	`, operationID)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return e, nil
}

// ListEntries returns entries with the given status, oldest first. An empty
// status returns all entries.
func (s *Store) ListEntries(ctx context.Context, status QueueStatus, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT operation_id, operation_type, payload, priority, status,
		       retry_count, max_retries, scheduled_at, created_at, completed_at, error_message
		FROM queue_entries
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// CountByStatus returns the number of queue entries per status.
func (s *Store) CountByStatus(ctx context.Context) (map[QueueStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_entries GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[QueueStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[QueueStatus(status)] = count
	}
	return counts, rows.Err()
}

// DequeueBatch atomically selects up to limit pending entries that are due
// (scheduled_at <= now), ordered by (priority, created_at), and transitions
// them to Processing. FOR UPDATE SKIP LOCKED makes concurrent drainers pick
// disjoint sets — the selection and the status flip are one statement.
func (s *Store) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE queue_entries SET status = 'processing'
		WHERE id IN (
			SELECT id FROM queue_entries
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING operation_id, operation_type, payload, priority, status,
		          retry_count, max_retries, scheduled_at, created_at, completed_at, error_message
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dequeued entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dequeued entries: %w", err)
	}

	// RETURNING does not guarantee row order; restore dequeue order.
	sortEntries(entries)
	return entries, nil
}

// MarkCompleted transitions a Processing entry to Completed.
func (s *Store) MarkCompleted(ctx context.Context, operationID string) error {
	return s.conditionalUpdate(ctx, `
		UPDATE queue_entries SET status = 'completed', completed_at = NOW(), error_message = ''
		WHERE operation_id = $1 AND status = 'processing'
	`, operationID)
}

// MarkFailed transitions a Processing entry to terminal Failed, recording the
// final error. Failed entries are excluded from future dequeues but remain
// queryable for operator inspection and manual replay.
func (s *Store) MarkFailed(ctx context.Context, operationID, errorMessage string) error {
	return s.conditionalUpdate(ctx, `
		UPDATE queue_entries SET status = 'failed', completed_at = NOW(),
		       retry_count = retry_count + 1, error_message = $2
		WHERE operation_id = $1 AND status = 'processing'
	`, operationID, errorMessage)
}

// Reschedule returns a Processing entry to Pending with an incremented retry
// count and a new earliest-eligible time.
func (s *Store) Reschedule(ctx context.Context, operationID string, at time.Time, errorMessage string) error {
	return s.conditionalUpdate(ctx, `
		UPDATE queue_entries SET status = 'pending', scheduled_at = $2,
		       retry_count = retry_count + 1, error_message = $3
		WHERE operation_id = $1 AND status = 'processing'
	`, operationID, at, errorMessage)
}

// RequeueProcessing returns entries to Pending without counting an attempt.
// Used when a drain is aborted mid-batch because the breaker opened again.
func (s *Store) RequeueProcessing(ctx context.Context, operationIDs []string) error {
	if len(operationIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'pending'
		WHERE operation_id = ANY($1) AND status = 'processing'
	`, pq.Array(operationIDs))
	if err != nil {
		return fmt.Errorf("failed to requeue processing entries: %w", err)
	}
	return nil
}

// Cancel transitions a Pending entry to Cancelled. Entries already Processing
// or terminal cannot be cancelled; returns ErrEntryNotPending.
func (s *Store) Cancel(ctx context.Context, operationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'cancelled', completed_at = NOW()
		WHERE operation_id = $1 AND status = 'pending'
	`, operationID)
	if err != nil {
		return fmt.Errorf("failed to cancel queue entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cancel result: %w", err)
	}
	if n == 0 {
		if _, err := s.GetEntry(ctx, operationID); err != nil {
			return err
		}
		return ErrEntryNotPending
	}
	return nil
}

// RequeueFailed returns a terminal Failed entry to Pending with a fresh retry
// budget. Operator-initiated manual replay only.
func (s *Store) RequeueFailed(ctx context.Context, operationID string) error {
	return s.conditionalUpdate(ctx, `
		UPDATE queue_entries SET status = 'pending', retry_count = 0,
		       scheduled_at = NOW(), completed_at = NULL, error_message = ''
		WHERE operation_id = $1 AND status = 'failed'
	`, operationID)
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// conditionalUpdate runs a status-conditional UPDATE and maps zero affected
// rows to ErrEntryNotFound.
func (s *Store) conditionalUpdate(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one queue entry row.
func scanEntry(row rowScanner) (*QueueEntry, error) {
	var (
		e         QueueEntry
		completed sql.NullTime
	)
	err := row.Scan(
		&e.OperationID, &e.Type, &e.Payload, &e.Priority, &e.Status,
		&e.RetryCount, &e.MaxRetries, &e.ScheduledAt, &e.CreatedAt, &completed, &e.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	return &e, nil
}

// sortEntries orders entries by (priority ASC, created_at ASC).
func sortEntries(entries []QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// nullTime converts a *time.Time to its SQL representation.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
