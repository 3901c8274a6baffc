package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// AlertStatus represents the lifecycle state of a drift alert
type AlertStatus string

const (
	AlertStatusOpen     AlertStatus = "open"
	AlertStatusResolved AlertStatus = "resolved"
)

// Audit actions and the actor tag written by the engine.
const (
	AuditActionPackApply  = "pack.apply"
	AuditActionPackRemove = "pack.remove"
	AuditActor            = "driftwatch"
)

// Server represents a managed host and its pack assignment
type Server struct {
	ID                    string    `json:"id"`
	Hostname              string    `json:"hostname"`
	Address               string    `json:"address"`
	Port                  int       `json:"port"`
	User                  string    `json:"user,omitempty"`
	AssignedPacks         []string  `json:"assigned_packs"`
	DriftDetectionEnabled bool      `json:"drift_detection_enabled"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// HasPack reports whether name is assigned to the server.
func (s *Server) HasPack(name string) bool {
	for _, p := range s.AssignedPacks {
		if p == name {
			return true
		}
	}
	return false
}

// ComplianceResult is one stored compliance check outcome
type ComplianceResult struct {
	ID              int64     `json:"id"`
	ServerID        string    `json:"server_id"`
	PackName        string    `json:"pack_name"`
	IsCompliant     bool      `json:"is_compliant"`
	Mismatches      string    `json:"mismatches"` // JSON array
	CheckedAt       time.Time `json:"checked_at"`
	CheckDurationMs int64     `json:"check_duration_ms"`
}

// DriftAlert tracks drift of one pack on one server
type DriftAlert struct {
	ID            string      `json:"id"`
	ServerID      string      `json:"server_id"`
	PackName      string      `json:"pack_name"`
	Status        AlertStatus `json:"status"`
	Severity      string      `json:"severity"`
	Title         string      `json:"title"`
	Message       string      `json:"message"`
	Metadata      string      `json:"metadata"` // JSON blob
	MismatchCount int         `json:"mismatch_count"`
	AutoResolved  bool        `json:"auto_resolved"`
	OpenedAt      time.Time   `json:"opened_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
}

// AlertFilter narrows ListAlerts. Nil fields match everything.
type AlertFilter struct {
	ServerID *string
	PackName *string
	Status   *AlertStatus
	Limit    int
	Offset   int
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // pack.apply or pack.remove
	Actor     string    `json:"actor"`               // system identifier
	TargetID  *string   `json:"target_id,omitempty"` // server ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Server operations
	CreateServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	UpdateAssignedPacks(ctx context.Context, id string, packs []string) error
	SetDriftDetection(ctx context.Context, id string, enabled bool) error
	DeleteServer(ctx context.Context, id string) error

	// Compliance history
	AppendComplianceResult(ctx context.Context, result *ComplianceResult) error
	LatestComplianceResult(ctx context.Context, serverID, packName string) (*ComplianceResult, error)
	ListComplianceResults(ctx context.Context, serverID, packName string, limit int) ([]*ComplianceResult, error)

	// Drift alerts
	CreateAlert(ctx context.Context, alert *DriftAlert) error
	UpdateAlert(ctx context.Context, alert *DriftAlert) error
	GetOpenAlert(ctx context.Context, serverID, packName string) (*DriftAlert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*DriftAlert, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
