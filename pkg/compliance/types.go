package compliance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/driftwatch/pkg/stores"
)

// MismatchType classifies how an item deviates from its declaration.
type MismatchType string

const (
	MismatchMissingFile      MismatchType = "missing_file"
	MismatchWrongPermissions MismatchType = "wrong_permissions"
	MismatchWrongContent     MismatchType = "wrong_content"
	MismatchMissingPackage   MismatchType = "missing_package"
	MismatchWrongVersion     MismatchType = "wrong_version"
	MismatchMissingSetting   MismatchType = "missing_setting"
	MismatchWrongSetting     MismatchType = "wrong_setting"
)

// Mismatch is one deviating item. Expected and Actual depend on Type.
type Mismatch struct {
	Type     MismatchType `json:"type"`
	Item     string       `json:"item"`
	Expected any          `json:"expected"`
	Actual   any          `json:"actual"`
}

// Result is the outcome of checking one pack on one server.
type Result struct {
	ServerID        string     `json:"server_id"`
	PackName        string     `json:"pack_name"`
	IsCompliant     bool       `json:"is_compliant"`
	Mismatches      []Mismatch `json:"mismatches"`
	CheckedAt       time.Time  `json:"checked_at"`
	CheckDurationMs int64      `json:"check_duration_ms"`
}

// Record converts the result into its persisted row.
func (r *Result) Record() (*stores.ComplianceResult, error) {
	mismatches := r.Mismatches
	if mismatches == nil {
		mismatches = []Mismatch{}
	}
	data, err := json.Marshal(mismatches)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mismatches: %w", err)
	}

	return &stores.ComplianceResult{
		ServerID:        r.ServerID,
		PackName:        r.PackName,
		IsCompliant:     r.IsCompliant,
		Mismatches:      string(data),
		CheckedAt:       r.CheckedAt,
		CheckDurationMs: r.CheckDurationMs,
	}, nil
}

// FromRecord decodes a persisted row.
func FromRecord(rec *stores.ComplianceResult) (*Result, error) {
	r := &Result{
		ServerID:        rec.ServerID,
		PackName:        rec.PackName,
		IsCompliant:     rec.IsCompliant,
		CheckedAt:       rec.CheckedAt,
		CheckDurationMs: rec.CheckDurationMs,
	}
	if rec.Mismatches != "" {
		if err := json.Unmarshal([]byte(rec.Mismatches), &r.Mismatches); err != nil {
			return nil, fmt.Errorf("failed to decode mismatches of result %d: %w", rec.ID, err)
		}
	}
	return r, nil
}
