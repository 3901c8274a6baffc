package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func createTestServer(t *testing.T, store *SQLiteStore, id string) *Server {
	t.Helper()

	server := &Server{
		ID:                    id,
		Hostname:              id + ".example.com",
		Address:               "10.0.0.1",
		DriftDetectionEnabled: true,
	}
	if err := store.CreateServer(context.Background(), server); err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return server
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "driftwatch.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"servers", "compliance_results", "drift_alerts", "audit"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestServerCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	server := &Server{
		ID:                    "srv-1",
		Hostname:              "web-01",
		Address:               "10.0.0.5",
		User:                  "deploy",
		DriftDetectionEnabled: true,
	}
	if err := store.CreateServer(ctx, server); err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	// Defaults applied on create
	if server.Port != 22 {
		t.Errorf("Expected default port 22, got %d", server.Port)
	}
	if len(server.AssignedPacks) != 1 || server.AssignedPacks[0] != "base" {
		t.Errorf("Expected default assignment [base], got %v", server.AssignedPacks)
	}

	got, err := store.GetServer(ctx, "srv-1")
	if err != nil {
		t.Fatalf("failed to get server: %v", err)
	}
	if got.Hostname != "web-01" || got.User != "deploy" || !got.DriftDetectionEnabled {
		t.Errorf("Unexpected server: %+v", got)
	}
	if !got.HasPack("base") {
		t.Error("Expected server to have base pack")
	}

	if err := store.CreateServer(ctx, &Server{ID: "srv-1", Hostname: "dup", Address: "x"}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate id, got %v", err)
	}

	if err := store.UpdateAssignedPacks(ctx, "srv-1", []string{"base", "nginx"}); err != nil {
		t.Fatalf("failed to update packs: %v", err)
	}
	got, _ = store.GetServer(ctx, "srv-1")
	if !got.HasPack("nginx") {
		t.Errorf("Expected nginx assigned, got %v", got.AssignedPacks)
	}

	// An empty assignment falls back to base
	if err := store.UpdateAssignedPacks(ctx, "srv-1", nil); err != nil {
		t.Fatalf("failed to update packs: %v", err)
	}
	got, _ = store.GetServer(ctx, "srv-1")
	if len(got.AssignedPacks) != 1 || got.AssignedPacks[0] != "base" {
		t.Errorf("Expected [base], got %v", got.AssignedPacks)
	}

	if err := store.SetDriftDetection(ctx, "srv-1", false); err != nil {
		t.Fatalf("failed to disable drift detection: %v", err)
	}
	got, _ = store.GetServer(ctx, "srv-1")
	if got.DriftDetectionEnabled {
		t.Error("Expected drift detection disabled")
	}

	servers, err := store.ListServers(ctx)
	if err != nil {
		t.Fatalf("failed to list servers: %v", err)
	}
	if len(servers) != 1 {
		t.Errorf("Expected 1 server, got %d", len(servers))
	}

	if err := store.DeleteServer(ctx, "srv-1"); err != nil {
		t.Fatalf("failed to delete server: %v", err)
	}
	if _, err := store.GetServer(ctx, "srv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestServerNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"get", func() error { _, err := store.GetServer(ctx, "nope"); return err }},
		{"assign", func() error { return store.UpdateAssignedPacks(ctx, "nope", []string{"base"}) }},
		{"drift", func() error { return store.SetDriftDetection(ctx, "nope", true) }},
		{"delete", func() error { return store.DeleteServer(ctx, "nope") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestComplianceHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestServer(t, store, "srv-1")

	latest, err := store.LatestComplianceResult(ctx, "srv-1", "nginx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != nil {
		t.Fatalf("Expected no baseline, got %+v", latest)
	}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	outcomes := []bool{true, false, false}
	for i, compliant := range outcomes {
		result := &ComplianceResult{
			ServerID:        "srv-1",
			PackName:        "nginx",
			IsCompliant:     compliant,
			CheckedAt:       base.Add(time.Duration(i) * time.Hour),
			CheckDurationMs: 40,
		}
		if !compliant {
			result.Mismatches = `[{"type":"missing_file","item":"/etc/nginx/nginx.conf"}]`
		}
		if err := store.AppendComplianceResult(ctx, result); err != nil {
			t.Fatalf("failed to append result: %v", err)
		}
		if result.ID == 0 {
			t.Error("Expected ID to be assigned")
		}
	}

	// A different pack on the same server is a separate key
	if err := store.AppendComplianceResult(ctx, &ComplianceResult{
		ServerID: "srv-1", PackName: "base", IsCompliant: true, CheckedAt: base,
	}); err != nil {
		t.Fatalf("failed to append result: %v", err)
	}

	latest, err = store.LatestComplianceResult(ctx, "srv-1", "nginx")
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest.IsCompliant {
		t.Error("Expected latest result to be non-compliant")
	}
	if !latest.CheckedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Expected checked_at %v, got %v", base.Add(2*time.Hour), latest.CheckedAt)
	}

	history, err := store.ListComplianceResults(ctx, "srv-1", "nginx", 10)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(history))
	}
	if !history[2].IsCompliant {
		t.Error("Expected oldest result to be compliant")
	}
	if history[2].Mismatches != "[]" {
		t.Errorf("Expected empty mismatch list, got %s", history[2].Mismatches)
	}
}

func TestAlertLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestServer(t, store, "srv-1")

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	alert := &DriftAlert{
		ID:            "alert-1",
		ServerID:      "srv-1",
		PackName:      "nginx",
		Status:        AlertStatusOpen,
		Severity:      "warning",
		Title:         "Configuration drift on srv-1.example.com",
		Message:       "1 mismatch",
		MismatchCount: 1,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}

	// Only one open alert per key
	dup := *alert
	dup.ID = "alert-2"
	if err := store.CreateAlert(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for second open alert, got %v", err)
	}

	open, err := store.GetOpenAlert(ctx, "srv-1", "nginx")
	if err != nil {
		t.Fatalf("failed to get open alert: %v", err)
	}
	if open == nil || open.ID != "alert-1" {
		t.Fatalf("Expected alert-1, got %+v", open)
	}
	if open.Metadata != "{}" {
		t.Errorf("Expected default metadata {}, got %s", open.Metadata)
	}

	resolvedAt := now.Add(time.Hour)
	open.Status = AlertStatusResolved
	open.AutoResolved = true
	open.ResolvedAt = &resolvedAt
	open.UpdatedAt = resolvedAt
	if err := store.UpdateAlert(ctx, open); err != nil {
		t.Fatalf("failed to update alert: %v", err)
	}

	open, err = store.GetOpenAlert(ctx, "srv-1", "nginx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if open != nil {
		t.Errorf("Expected no open alert after resolve, got %+v", open)
	}

	// A new open alert is allowed once the previous one is resolved
	if err := store.CreateAlert(ctx, &dup); err != nil {
		t.Fatalf("failed to reopen alert: %v", err)
	}

	resolved := AlertStatusResolved
	alerts, err := store.ListAlerts(ctx, AlertFilter{Status: &resolved})
	if err != nil {
		t.Fatalf("failed to list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 resolved alert, got %d", len(alerts))
	}
	if !alerts[0].AutoResolved || alerts[0].ResolvedAt == nil || !alerts[0].ResolvedAt.Equal(resolvedAt) {
		t.Errorf("Unexpected resolved alert: %+v", alerts[0])
	}

	all, err := store.ListAlerts(ctx, AlertFilter{})
	if err != nil {
		t.Fatalf("failed to list alerts: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 alerts, got %d", len(all))
	}

	server := "srv-2"
	none, err := store.ListAlerts(ctx, AlertFilter{ServerID: &server})
	if err != nil {
		t.Fatalf("failed to list alerts: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected 0 alerts for srv-2, got %d", len(none))
	}

	missing := &DriftAlert{ID: "missing", UpdatedAt: now}
	if err := store.UpdateAlert(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAlertTxRollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestServer(t, store, "srv-1")

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	writeErr := errors.New("disk I/O error")
	err := store.InAlertTx(ctx, func(tx AlertTx) error {
		if err := tx.AppendComplianceResult(ctx, &ComplianceResult{
			ServerID: "srv-1", PackName: "nginx", IsCompliant: false, CheckedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.CreateAlert(ctx, &DriftAlert{
			ID: "alert-1", ServerID: "srv-1", PackName: "nginx", Status: AlertStatusOpen,
			Severity: "warning", Title: "drift", OpenedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return writeErr
	})
	if !errors.Is(err, writeErr) {
		t.Fatalf("Expected the callback error, got %v", err)
	}

	latest, err := store.LatestComplianceResult(ctx, "srv-1", "nginx")
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest != nil {
		t.Errorf("Expected the result to be rolled back, got %+v", latest)
	}
	open, err := store.GetOpenAlert(ctx, "srv-1", "nginx")
	if err != nil {
		t.Fatalf("failed to get open alert: %v", err)
	}
	if open != nil {
		t.Errorf("Expected the alert to be rolled back, got %+v", open)
	}

	// A successful callback commits both writes.
	err = store.InAlertTx(ctx, func(tx AlertTx) error {
		return tx.AppendComplianceResult(ctx, &ComplianceResult{
			ServerID: "srv-1", PackName: "nginx", IsCompliant: true, CheckedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	latest, err = store.LatestComplianceResult(ctx, "srv-1", "nginx")
	if err != nil || latest == nil || !latest.IsCompliant {
		t.Errorf("Expected the committed compliant result, got %+v (%v)", latest, err)
	}
}

func TestAuditLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "srv-1"
	details := `{"pack_name":"nginx","changed_count":3,"success":true,"item_count":3}`
	now := time.Now()

	entries := []*AuditEntry{
		{Action: AuditActionPackApply, Actor: AuditActor, TargetID: &target, Details: &details, Timestamp: now.Add(-time.Minute)},
		{Action: AuditActionPackRemove, Actor: AuditActor, TargetID: &target, Timestamp: now},
	}
	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("Expected ID to be assigned")
		}
	}

	all, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(all))
	}
	if all[0].Action != AuditActionPackRemove {
		t.Errorf("Expected newest entry first, got %s", all[0].Action)
	}

	action := AuditActionPackApply
	applies, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(applies) != 1 {
		t.Fatalf("Expected 1 apply entry, got %d", len(applies))
	}
	if applies[0].Details == nil || *applies[0].Details != details {
		t.Errorf("Expected details %s, got %v", details, applies[0].Details)
	}
}
