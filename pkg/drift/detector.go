// Package drift turns compliance observations into drift alerts and runs the
// recurring sweep that produces those observations.
package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/driftwatch/pkg/compliance"
	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/notify"
	"github.com/openfroyo/driftwatch/pkg/stores"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
)

// AlertSeverity is the severity of every drift alert.
const AlertSeverity = notify.SeverityWarning

// ResultStore runs the compliance history and alert writes of one
// observation in a single transaction.
type ResultStore interface {
	InAlertTx(ctx context.Context, fn func(tx stores.AlertTx) error) error
}

// Publisher accepts notification events without blocking.
type Publisher interface {
	Publish(event notify.Event) error
}

// Detector applies the alert lifecycle to each new compliance result.
type Detector struct {
	store        ResultStore
	publisher    Publisher
	dashboardURL string
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
	now          func() time.Time
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorLogger sets the detector logger.
func WithDetectorLogger(logger zerolog.Logger) DetectorOption {
	return func(d *Detector) {
		d.logger = logger.With().Str("component", "drift").Logger()
	}
}

// WithDetectorMetrics sets the metrics sink.
func WithDetectorMetrics(m *telemetry.Metrics) DetectorOption {
	return func(d *Detector) { d.metrics = m }
}

// WithDashboardURL sets the base URL of the configuration view links.
func WithDashboardURL(url string) DetectorOption {
	return func(d *Detector) { d.dashboardURL = strings.TrimRight(url, "/") }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a detector. publisher may be nil.
func NewDetector(store ResultStore, publisher Publisher, opts ...DetectorOption) *Detector {
	d := &Detector{
		store:     store,
		publisher: publisher,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Link returns the deep link to the configuration view of a server.
func (d *Detector) Link(serverID string) string {
	return d.dashboardURL + "/servers/" + serverID + "/config"
}

type alertMetadata struct {
	PackName string `json:"pack_name"`
	Link     string `json:"link"`
}

// notice is a notification held back until its transaction commits.
type notice struct {
	alert    *stores.DriftAlert
	resolved bool
}

// Record stores result and moves the alert for its key through the lifecycle.
// The previous stored result is the only baseline; without one nothing is
// raised. compliant to non-compliant opens an alert, non-compliant to
// compliant resolves it, and repeated non-compliance refreshes the open
// alert in place. The result and the alert change commit together.
func (d *Detector) Record(ctx context.Context, target engine.Target, result *compliance.Result) (engine.Transition, error) {
	logger := d.logger.With().Str("server_id", target.ServerID).Str("pack", result.PackName).Logger()

	record, err := result.Record()
	if err != nil {
		return engine.TransitionNone, err
	}

	var (
		transition engine.Transition
		pending    *notice
	)
	err = d.store.InAlertTx(ctx, func(tx stores.AlertTx) error {
		transition, pending = engine.TransitionNone, nil

		baseline, err := tx.LatestComplianceResult(ctx, target.ServerID, result.PackName)
		if err != nil {
			return fmt.Errorf("failed to load baseline: %w", err)
		}
		if err := tx.AppendComplianceResult(ctx, record); err != nil {
			return fmt.Errorf("failed to store compliance result: %w", err)
		}

		switch {
		case baseline == nil:
			logger.Debug().Bool("compliant", result.IsCompliant).Msg("First observation stored as baseline")
		case !result.IsCompliant:
			transition, pending, err = d.raise(ctx, tx, target, result, baseline.IsCompliant)
		case !baseline.IsCompliant:
			transition, pending, err = d.resolve(ctx, tx, target, result)
		}
		return err
	})
	if err != nil {
		return engine.TransitionNone, err
	}

	if pending != nil {
		d.publish(target, result, pending.alert, pending.resolved)
	}
	if transition != engine.TransitionNone {
		d.metrics.RecordAlertTransition(string(transition))
		logger.Info().
			Str("transition", string(transition)).
			Int("mismatches", len(result.Mismatches)).
			Msg("Drift alert updated")
	}
	return transition, nil
}

// raise opens or refreshes the alert for a non-compliant result. A
// notification is due only when the baseline was compliant.
func (d *Detector) raise(ctx context.Context, tx stores.AlertTx, target engine.Target, result *compliance.Result, wasCompliant bool) (engine.Transition, *notice, error) {
	now := d.now().UTC()
	count := len(result.Mismatches)

	alert, err := tx.GetOpenAlert(ctx, target.ServerID, result.PackName)
	if err != nil {
		return engine.TransitionNone, nil, fmt.Errorf("failed to load open alert: %w", err)
	}

	if alert == nil && !wasCompliant {
		// Never compliant since the last resolution: not drift.
		return engine.TransitionNone, nil, nil
	}

	transition := engine.TransitionRefreshed
	if alert == nil {
		metadata, err := json.Marshal(alertMetadata{PackName: result.PackName, Link: d.Link(target.ServerID)})
		if err != nil {
			return engine.TransitionNone, nil, fmt.Errorf("failed to encode alert metadata: %w", err)
		}
		alert = &stores.DriftAlert{
			ID:            uuid.New().String(),
			ServerID:      target.ServerID,
			PackName:      result.PackName,
			Status:        stores.AlertStatusOpen,
			Severity:      AlertSeverity,
			Title:         fmt.Sprintf("Configuration drift detected on %s", target),
			Message:       mismatchMessage(count, result.PackName),
			Metadata:      string(metadata),
			MismatchCount: count,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		err = tx.CreateAlert(ctx, alert)
		switch {
		case err == nil:
			transition = engine.TransitionOpened
		case errors.Is(err, stores.ErrConflict):
			// Opened concurrently; refresh the winner instead.
			alert, err = tx.GetOpenAlert(ctx, target.ServerID, result.PackName)
			if err != nil || alert == nil {
				return engine.TransitionNone, nil, fmt.Errorf("failed to load concurrently opened alert: %w", err)
			}
		default:
			return engine.TransitionNone, nil, fmt.Errorf("failed to open alert: %w", err)
		}
	}

	if transition == engine.TransitionRefreshed {
		alert.MismatchCount = count
		alert.Message = mismatchMessage(count, result.PackName)
		alert.UpdatedAt = now
		if err := tx.UpdateAlert(ctx, alert); err != nil {
			return engine.TransitionNone, nil, fmt.Errorf("failed to refresh alert: %w", err)
		}
	}

	if wasCompliant {
		return transition, &notice{alert: alert}, nil
	}
	return transition, nil, nil
}

// resolve closes the open alert once the key is compliant again.
func (d *Detector) resolve(ctx context.Context, tx stores.AlertTx, target engine.Target, result *compliance.Result) (engine.Transition, *notice, error) {
	alert, err := tx.GetOpenAlert(ctx, target.ServerID, result.PackName)
	if err != nil {
		return engine.TransitionNone, nil, fmt.Errorf("failed to load open alert: %w", err)
	}
	if alert == nil {
		return engine.TransitionNone, nil, nil
	}

	now := d.now().UTC()
	alert.Status = stores.AlertStatusResolved
	alert.AutoResolved = true
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	alert.MismatchCount = 0
	if err := tx.UpdateAlert(ctx, alert); err != nil {
		return engine.TransitionNone, nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	return engine.TransitionResolved, &notice{alert: alert, resolved: true}, nil
}

func (d *Detector) publish(target engine.Target, result *compliance.Result, alert *stores.DriftAlert, resolved bool) {
	if d.publisher == nil {
		return
	}

	event := notify.Event{
		Category: notify.CategoryConfigDrift,
		Server:   target.String(),
		ServerID: target.ServerID,
		PackName: result.PackName,
		Severity: alert.Severity,
		Value:    len(result.Mismatches),
		Resolved: resolved,
		Title:    alert.Title,
		Message:  alert.Message,
		Link:     d.Link(target.ServerID),
	}
	if resolved {
		event.Title = fmt.Sprintf("Configuration drift resolved on %s", target)
		event.Message = fmt.Sprintf("Pack %s is compliant again", result.PackName)
	}

	if err := d.publisher.Publish(event); err != nil {
		d.logger.Warn().Err(err).
			Str("server_id", target.ServerID).
			Str("pack", result.PackName).
			Msg("Failed to queue drift notification")
	}
}

func mismatchMessage(count int, pack string) string {
	noun := "mismatches"
	if count == 1 {
		noun = "mismatch"
	}
	return fmt.Sprintf("%d configuration %s in pack %s", count, noun, pack)
}
