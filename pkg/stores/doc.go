// Package stores provides the persistence layer for driftwatch: managed
// servers and their pack assignments, append-only compliance history,
// drift alerts and the audit trail, backed by SQLite with embedded
// migrations.
package stores
