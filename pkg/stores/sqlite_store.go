package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrConflict is wrapped when a write violates a uniqueness rule.
var ErrConflict = errors.New("conflict")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	q   querier
	cfg Config

	// inTx marks a store bound to one open transaction.
	inTx bool
}

// AlertTx is the part of the store the drift alert lifecycle reads and
// writes in one transaction.
type AlertTx interface {
	AppendComplianceResult(ctx context.Context, result *ComplianceResult) error
	LatestComplianceResult(ctx context.Context, serverID, packName string) (*ComplianceResult, error)
	GetOpenAlert(ctx context.Context, serverID, packName string) (*DriftAlert, error)
	CreateAlert(ctx context.Context, alert *DriftAlert) error
	UpdateAlert(ctx context.Context, alert *DriftAlert) error
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
		"_time_format=sqlite",
		"_txlock=immediate",
	}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	dsn := s.cfg.Path + "?" + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.q = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InAlertTx runs fn against the store inside one transaction. Everything fn
// writes commits together, or nothing does when fn returns an error.
func (s *SQLiteStore) InAlertTx(ctx context.Context, fn func(tx AlertTx) error) error {
	return s.withTx(ctx, func(tx *SQLiteStore) error { return fn(tx) })
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *SQLiteStore) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&SQLiteStore{db: s.db, q: tx, cfg: s.cfg, inTx: true}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func checkAffected(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s not found: %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// CreateServer registers a server. An empty assignment becomes ["base"].
func (s *SQLiteStore) CreateServer(ctx context.Context, server *Server) error {
	if len(server.AssignedPacks) == 0 {
		server.AssignedPacks = []string{"base"}
	}
	if server.Port == 0 {
		server.Port = 22
	}
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now

	packs, err := json.Marshal(server.AssignedPacks)
	if err != nil {
		return fmt.Errorf("failed to encode assigned packs: %w", err)
	}

	query := `
		INSERT INTO servers (id, hostname, address, port, ssh_user, assigned_packs, drift_detection_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.q.ExecContext(ctx, query,
		server.ID,
		server.Hostname,
		server.Address,
		server.Port,
		server.User,
		string(packs),
		server.DriftDetectionEnabled,
		server.CreatedAt.UTC(),
		server.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("server already exists: %s: %w", server.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*Server, error) {
	server := &Server{}
	var packs string
	err := row.Scan(
		&server.ID,
		&server.Hostname,
		&server.Address,
		&server.Port,
		&server.User,
		&packs,
		&server.DriftDetectionEnabled,
		&server.CreatedAt,
		&server.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(packs), &server.AssignedPacks); err != nil {
		return nil, fmt.Errorf("failed to decode assigned packs for %s: %w", server.ID, err)
	}
	return server, nil
}

const serverColumns = `id, hostname, address, port, ssh_user, assigned_packs, drift_detection_enabled, created_at, updated_at`

// GetServer retrieves a server by ID
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE id = ?`

	server, err := scanServer(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}

	return server, nil
}

// ListServers lists all servers ordered by hostname
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers ORDER BY hostname, id`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	servers := []*Server{}
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, server)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating servers: %w", err)
	}

	return servers, nil
}

// UpdateAssignedPacks replaces a server's pack assignment. An empty list becomes ["base"].
func (s *SQLiteStore) UpdateAssignedPacks(ctx context.Context, id string, packs []string) error {
	if len(packs) == 0 {
		packs = []string{"base"}
	}

	encoded, err := json.Marshal(packs)
	if err != nil {
		return fmt.Errorf("failed to encode assigned packs: %w", err)
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE servers SET assigned_packs = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update assigned packs: %w", err)
	}

	return checkAffected(result, "server", id)
}

// SetDriftDetection enables or disables scheduled checks for a server
func (s *SQLiteStore) SetDriftDetection(ctx context.Context, id string, enabled bool) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE servers SET drift_detection_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update drift detection: %w", err)
	}

	return checkAffected(result, "server", id)
}

// DeleteServer deletes a server and its history
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}

	return checkAffected(result, "server", id)
}

// AppendComplianceResult appends a check outcome to the history
func (s *SQLiteStore) AppendComplianceResult(ctx context.Context, result *ComplianceResult) error {
	if result.Mismatches == "" {
		result.Mismatches = "[]"
	}

	query := `
		INSERT INTO compliance_results (server_id, pack_name, is_compliant, mismatches, checked_at, check_duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := s.q.ExecContext(ctx, query,
		result.ServerID,
		result.PackName,
		result.IsCompliant,
		result.Mismatches,
		result.CheckedAt.UTC(),
		result.CheckDurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to append compliance result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get compliance result ID: %w", err)
	}

	result.ID = id
	return nil
}

func scanComplianceResult(row rowScanner) (*ComplianceResult, error) {
	result := &ComplianceResult{}
	err := row.Scan(
		&result.ID,
		&result.ServerID,
		&result.PackName,
		&result.IsCompliant,
		&result.Mismatches,
		&result.CheckedAt,
		&result.CheckDurationMs,
	)
	return result, err
}

const complianceColumns = `id, server_id, pack_name, is_compliant, mismatches, checked_at, check_duration_ms`

// LatestComplianceResult returns the most recently appended result for the
// (server, pack) key, or nil when the key has no history.
func (s *SQLiteStore) LatestComplianceResult(ctx context.Context, serverID, packName string) (*ComplianceResult, error) {
	query := `SELECT ` + complianceColumns + `
		FROM compliance_results
		WHERE server_id = ? AND pack_name = ?
		ORDER BY id DESC
		LIMIT 1
	`

	result, err := scanComplianceResult(s.q.QueryRowContext(ctx, query, serverID, packName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest compliance result: %w", err)
	}

	return result, nil
}

// ListComplianceResults lists history for a key, newest first
func (s *SQLiteStore) ListComplianceResults(ctx context.Context, serverID, packName string, limit int) ([]*ComplianceResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + complianceColumns + `
		FROM compliance_results
		WHERE server_id = ? AND pack_name = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.q.QueryContext(ctx, query, serverID, packName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list compliance results: %w", err)
	}
	defer rows.Close()

	results := []*ComplianceResult{}
	for rows.Next() {
		result, err := scanComplianceResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compliance result: %w", err)
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compliance results: %w", err)
	}

	return results, nil
}

// CreateAlert inserts a new alert. A second open alert for the same key is a conflict.
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *DriftAlert) error {
	if alert.Metadata == "" {
		alert.Metadata = "{}"
	}

	query := `
		INSERT INTO drift_alerts (
			id, server_id, pack_name, status, severity, title, message, metadata,
			mismatch_count, auto_resolved, opened_at, updated_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		alert.ID,
		alert.ServerID,
		alert.PackName,
		alert.Status,
		alert.Severity,
		alert.Title,
		alert.Message,
		alert.Metadata,
		alert.MismatchCount,
		alert.AutoResolved,
		alert.OpenedAt.UTC(),
		alert.UpdatedAt.UTC(),
		utcPtr(alert.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("open alert already exists for %s/%s: %w", alert.ServerID, alert.PackName, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// UpdateAlert overwrites the mutable fields of an alert
func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert *DriftAlert) error {
	query := `
		UPDATE drift_alerts
		SET status = ?, severity = ?, title = ?, message = ?, metadata = ?,
			mismatch_count = ?, auto_resolved = ?, updated_at = ?, resolved_at = ?
		WHERE id = ?
	`

	result, err := s.q.ExecContext(ctx, query,
		alert.Status,
		alert.Severity,
		alert.Title,
		alert.Message,
		alert.Metadata,
		alert.MismatchCount,
		alert.AutoResolved,
		alert.UpdatedAt.UTC(),
		utcPtr(alert.ResolvedAt),
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	return checkAffected(result, "alert", alert.ID)
}

func scanAlert(row rowScanner) (*DriftAlert, error) {
	alert := &DriftAlert{}
	err := row.Scan(
		&alert.ID,
		&alert.ServerID,
		&alert.PackName,
		&alert.Status,
		&alert.Severity,
		&alert.Title,
		&alert.Message,
		&alert.Metadata,
		&alert.MismatchCount,
		&alert.AutoResolved,
		&alert.OpenedAt,
		&alert.UpdatedAt,
		&alert.ResolvedAt,
	)
	return alert, err
}

const alertColumns = `id, server_id, pack_name, status, severity, title, message, metadata,
	mismatch_count, auto_resolved, opened_at, updated_at, resolved_at`

// GetOpenAlert returns the open alert for a key, or nil when there is none.
func (s *SQLiteStore) GetOpenAlert(ctx context.Context, serverID, packName string) (*DriftAlert, error) {
	query := `SELECT ` + alertColumns + `
		FROM drift_alerts
		WHERE server_id = ? AND pack_name = ? AND status = 'open'
	`

	alert, err := scanAlert(s.q.QueryRowContext(ctx, query, serverID, packName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open alert: %w", err)
	}

	return alert, nil
}

// ListAlerts lists alerts with optional filters, most recently updated first
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*DriftAlert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + alertColumns + `
		FROM drift_alerts
		WHERE (? IS NULL OR server_id = ?)
		  AND (? IS NULL OR pack_name = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?
	`

	var status *string
	if filter.Status != nil {
		v := string(*filter.Status)
		status = &v
	}

	rows, err := s.q.QueryContext(ctx, query,
		filter.ServerID, filter.ServerID,
		filter.PackName, filter.PackName,
		status, status,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*DriftAlert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.q.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.q.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
