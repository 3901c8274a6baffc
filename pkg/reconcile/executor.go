// Package reconcile runs planned pack operations against a remote host and
// reports per-item outcomes.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/stores"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
	"github.com/openfroyo/driftwatch/pkg/transports/ssh"
)

// CommandChecker decides whether a command line may be sent.
type CommandChecker interface {
	Check(command, actionType string) error
}

// AuditWriter records completed runs.
type AuditWriter interface {
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// Executor applies or removes packs on remote hosts.
type Executor struct {
	runner         ssh.Runner
	checker        CommandChecker
	audit          AuditWriter
	inflight       *Inflight
	commandTimeout time.Duration
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger.With().Str("component", "reconcile").Logger()
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithCommandTimeout bounds every single remote command. Zero defers to the runner's default.
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Executor) { e.commandTimeout = d }
}

// WithInflight shares a single-flight registry between executors.
func WithInflight(f *Inflight) Option {
	return func(e *Executor) { e.inflight = f }
}

// NewExecutor creates an executor. audit may be nil, in which case runs are not audited.
func NewExecutor(runner ssh.Runner, checker CommandChecker, audit AuditWriter, opts ...Option) *Executor {
	e := &Executor{
		runner:   runner,
		checker:  checker,
		audit:    audit,
		inflight: NewInflight(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the per-run state shared by all operations.
type run struct {
	target engine.Target
	host   ssh.Host
	logger zerolog.Logger

	// reached is set once any command has been delivered to the host.
	reached bool
}

// Execute runs ops for packName against target. Operations run in order; an
// item failure never stops the run. If the host cannot be reached before any
// command has been delivered, the run is aborted with a transport_unavailable
// error and nothing is audited. A second run for the same server and pack
// while one is in flight is refused with a conflict error.
func (e *Executor) Execute(ctx context.Context, target engine.Target, packName string, mode packs.Mode, ops []packs.Operation) (report *Report, err error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, engine.NewValidationError(fmt.Sprintf("unknown mode %q", mode), nil)
	}

	if !e.inflight.Acquire(target.ServerID, packName) {
		e.metrics.RecordRunRejected("in_flight")
		return nil, engine.NewConflictError(
			fmt.Sprintf("a %s of pack %s is already running on %s", mode, packName, target), nil).
			WithCode(engine.ErrCodeInFlight).
			WithResource(target.ServerID).
			WithOperation(string(mode))
	}
	defer e.inflight.Release(target.ServerID, packName)

	ctx, span := e.tracer.StartRunSpan(ctx, string(mode), target, packName)
	defer func() { telemetry.EndSpan(span, err) }()

	started := time.Now()
	report = &Report{
		RunID:     uuid.New().String(),
		ServerID:  target.ServerID,
		PackName:  packName,
		Mode:      mode,
		Status:    engine.RunStatusRunning,
		StartedAt: started,
		Results:   make([]OperationResult, 0, len(ops)),
	}

	r := &run{
		target: target,
		host:   target.Host(),
		logger: telemetry.WithTraceID(ctx, e.logger.With().
			Str("run_id", report.RunID).
			Str("server_id", target.ServerID).
			Str("pack", packName).
			Str("mode", string(mode)).
			Logger()),
	}

	e.metrics.RecordRunStarted()
	r.logger.Info().Int("operations", len(ops)).Msg("Run started")

	for i := range ops {
		result, abortErr := e.executeOperation(ctx, r, &ops[i])
		if abortErr != nil {
			report.Results = nil
			report.Aborted = true
			report.AbortReason = abortErr.Error()
			report.Status = engine.RunStatusAborted
			report.DurationMs = time.Since(started).Milliseconds()

			e.metrics.RecordRunCompleted(string(mode), string(report.Status), time.Since(started))
			e.metrics.RecordError(string(abortErr.Class), abortErr.Code)
			r.logger.Error().Err(abortErr).Msg("Run aborted, host unavailable")
			return report, abortErr
		}
		e.metrics.RecordItemExecuted(string(result.Kind), itemStatus(result))
		report.Results = append(report.Results, result)
	}

	report.finish(started)
	e.metrics.RecordRunCompleted(string(mode), string(report.Status), time.Since(started))
	telemetry.SetRunOutcome(span, report.ItemCount, report.FailedCount)

	r.logger.Info().
		Str("status", string(report.Status)).
		Int("changed", report.ChangedCount).
		Int("failed", report.FailedCount).
		Int64("duration_ms", report.DurationMs).
		Msg("Run completed")

	e.writeAudit(ctx, r, report)
	return report, nil
}

func itemStatus(result OperationResult) string {
	switch {
	case !result.Success:
		return "failed"
	case result.Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

// executeOperation runs the steps of one operation. The returned engine error
// is non-nil only when the run must be aborted.
func (e *Executor) executeOperation(ctx context.Context, r *run, op *packs.Operation) (OperationResult, *engine.EngineError) {
	started := time.Now()
	result := OperationResult{
		Kind:       op.Kind,
		Item:       op.Item,
		Action:     op.Action,
		BackupPath: op.BackupPath,
	}

	logger := r.logger.With().Str("kind", string(op.Kind)).Str("item", op.Item).Logger()

	if op.IsSkip() {
		result.Success = true
		result.Note = packs.NoteSkippedPackage
		result.DurationMs = time.Since(started).Milliseconds()
		logger.Info().Msg("Package left installed")
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return e.fail(logger, result, started, fmt.Errorf("run cancelled: %w", err)), nil
	}

	for _, step := range op.Steps {
		res, err := e.runStep(ctx, r, step)
		if err != nil {
			if !r.reached && ssh.NotSent(err) {
				return result, engine.TransportUnavailable(r.target, "run", err)
			}
			if ssh.IsTimeout(err) {
				result.Warning = fmt.Sprintf("%s timed out; the item may be partially applied", step.Purpose)
			}
			return e.fail(logger, result, started, err), nil
		}

		switch step.Purpose {
		case packs.StepProbeExists:
			if res.ExitCode != 0 {
				result.Success = true
				result.Note = packs.NoteAlreadyRemoved
				result.DurationMs = time.Since(started).Milliseconds()
				logger.Info().Msg("Already removed")
				return result, nil
			}
			continue

		case packs.StepReadSetting:
			// grep exits 1 when the key is absent.
			if res.ExitCode == 0 && op.Setting != nil && settingMatches(res.Stdout, op.Setting) {
				result.Success = true
				result.Note = packs.NoteAlreadySet
				result.DurationMs = time.Since(started).Milliseconds()
				logger.Info().Msg("Already set")
				return result, nil
			}
			if res.ExitCode > 1 {
				return e.fail(logger, result, started, stepFailure(step, res)), nil
			}
			continue
		}

		if res.ExitCode != 0 {
			return e.fail(logger, result, started, stepFailure(step, res)), nil
		}
	}

	result.Success = true
	result.Changed = true
	result.DurationMs = time.Since(started).Milliseconds()
	logger.Info().Msg("Operation succeeded")
	return result, nil
}

// runStep validates and sends one command line.
func (e *Executor) runStep(ctx context.Context, r *run, step packs.Step) (*ssh.ExecResult, error) {
	if err := e.checker.Check(step.Line, step.ActionType); err != nil {
		return nil, err
	}

	res, err := e.runner.Execute(ctx, r.host, ssh.Command{Line: step.Line, Stdin: step.Stdin}, e.commandTimeout)
	if err == nil || !ssh.NotSent(err) {
		r.reached = true
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("action_type", step.ActionType).
		Str("command", step.Line).
		Int("exit_code", res.ExitCode).
		Msg("Step executed")
	return res, nil
}

func (e *Executor) fail(logger zerolog.Logger, result OperationResult, started time.Time, err error) OperationResult {
	result.Success = false
	result.Changed = false
	result.Error = err.Error()
	result.DurationMs = time.Since(started).Milliseconds()

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		e.metrics.RecordError(string(ee.Class), ee.Code)
	}
	logger.Warn().Err(err).Str("warning", result.Warning).Msg("Operation failed")
	return result
}

func stepFailure(step packs.Step, res *ssh.ExecResult) error {
	msg := fmt.Sprintf("%s exited with status %d", step.Purpose, res.ExitCode)
	if detail := strings.TrimSpace(res.Stderr); detail != "" {
		msg += ": " + detail
	}
	return engine.NewItemFailure(msg, nil).
		WithOperation(string(step.Purpose)).
		WithDetail("exit_code", res.ExitCode)
}

// settingMatches reports whether the fragment line read from the host already
// carries the desired value.
func settingMatches(stdout string, setting *packs.SettingItem) bool {
	line, _, _ := strings.Cut(strings.TrimSpace(stdout), "\n")
	key, value, ok := packs.ParseExportLine(line)
	return ok && key == setting.Key && value == setting.Value
}

type auditDetails struct {
	PackName     string `json:"pack_name"`
	Mode         string `json:"mode"`
	RunID        string `json:"run_id"`
	ChangedCount int    `json:"changed_count"`
	ItemCount    int    `json:"item_count"`
	Success      bool   `json:"success"`
}

// writeAudit records a completed run. Audit failures are logged, never returned.
func (e *Executor) writeAudit(ctx context.Context, r *run, report *Report) {
	if e.audit == nil {
		return
	}

	action := stores.AuditActionPackApply
	if report.Mode == packs.ModeRemove {
		action = stores.AuditActionPackRemove
	}

	data, err := json.Marshal(auditDetails{
		PackName:     report.PackName,
		Mode:         string(report.Mode),
		RunID:        report.RunID,
		ChangedCount: report.ChangedCount,
		ItemCount:    report.ItemCount,
		Success:      report.Success,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode audit details")
		return
	}

	details := string(data)
	serverID := report.ServerID
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     stores.AuditActor,
		TargetID:  &serverID,
		Details:   &details,
		Timestamp: time.Now(),
	}
	if err := e.audit.CreateAuditEntry(ctx, entry); err != nil {
		r.logger.Error().Err(err).Msg("Failed to write audit entry")
	}
}
