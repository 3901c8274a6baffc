// Package compliance verifies the actual state of a host against a pack
// declaration in one batched round-trip and classifies every deviation.
package compliance

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
	"github.com/openfroyo/driftwatch/pkg/transports/ssh"
	"github.com/openfroyo/driftwatch/pkg/whitelist"
)

// CommandChecker decides whether a command line may be sent.
type CommandChecker interface {
	Check(command, actionType string) error
}

// batchLine is the only command line a check sends; the probes travel on its stdin.
const batchLine = "sh -s"

// Checker runs compliance checks.
type Checker struct {
	runner         ssh.Runner
	checker        CommandChecker
	commandTimeout time.Duration
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
	now            func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the checker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger.With().Str("component", "compliance").Logger()
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Checker) { c.tracer = t }
}

// WithCommandTimeout bounds the batch round-trip. Zero defers to the runner's default.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Checker) { c.commandTimeout = d }
}

// NewChecker creates a checker.
func NewChecker(runner ssh.Runner, checker CommandChecker, opts ...Option) *Checker {
	c := &Checker{
		runner:  runner,
		checker: checker,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check verifies pack on target. Transport failures are returned as
// transport_unavailable errors, never as mismatches. A probe line the
// whitelist refuses fails the whole check before anything is sent.
func (c *Checker) Check(ctx context.Context, target engine.Target, pack *packs.Pack) (result *Result, err error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, engine.NewValidationError("pack is required", nil)
	}

	ctx, span := c.tracer.StartCheckSpan(ctx, target, pack.Name)
	defer func() { telemetry.EndSpan(span, err) }()

	logger := telemetry.WithTraceID(ctx, c.logger.With().Str("server_id", target.ServerID).Str("pack", pack.Name).Logger())

	result = &Result{
		ServerID:  target.ServerID,
		PackName:  pack.Name,
		CheckedAt: c.now().UTC(),
	}

	if pack.IsEmpty() {
		result.IsCompliant = true
		c.metrics.RecordCheck(pack.Name, "compliant", 0)
		logger.Debug().Msg("Empty pack is compliant")
		return result, nil
	}

	probes, err := buildProbes(pack)
	if err != nil {
		return nil, engine.NewValidationError("failed to render probes for pack "+pack.Name, err).WithResource(pack.Name)
	}
	for _, p := range probes {
		if err := c.checker.Check(p.line, p.actionType); err != nil {
			return nil, err
		}
	}
	if err := c.checker.Check(batchLine, whitelist.ActionProbeBatch); err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := c.runner.Execute(ctx, target.Host(), ssh.Command{Line: batchLine, Stdin: buildScript(probes)}, c.commandTimeout)
	elapsed := time.Since(started)
	if err != nil {
		ee := engine.TransportUnavailable(target, "check", err)
		c.metrics.RecordCheck(pack.Name, "error", elapsed)
		c.metrics.RecordError(string(ee.Class), ee.Code)
		logger.Warn().Err(err).Msg("Compliance check could not reach host")
		return nil, ee
	}

	outputs, err := parseOutput(res.Stdout, len(probes))
	if err != nil {
		c.metrics.RecordCheck(pack.Name, "error", elapsed)
		detail := strings.TrimSpace(res.Stderr)
		return nil, engine.NewItemFailure("malformed probe output from "+target.String(), err).
			WithCode(engine.ErrCodeProbeOutput).
			WithResource(target.ServerID).
			WithOperation("check").
			WithDetail("exit_code", res.ExitCode).
			WithDetail("stderr", detail)
	}

	result.Mismatches = evaluate(pack, probes, outputs)
	result.IsCompliant = len(result.Mismatches) == 0
	result.CheckDurationMs = elapsed.Milliseconds()

	status := "compliant"
	if !result.IsCompliant {
		status = "non_compliant"
	}
	c.metrics.RecordCheck(pack.Name, status, elapsed)
	telemetry.SetCheckOutcome(span, result.IsCompliant, len(result.Mismatches))
	for _, m := range result.Mismatches {
		c.metrics.RecordMismatch(string(m.Type))
	}

	logger.Info().
		Bool("compliant", result.IsCompliant).
		Int("mismatches", len(result.Mismatches)).
		Int64("duration_ms", result.CheckDurationMs).
		Msg("Compliance check completed")

	return result, nil
}
