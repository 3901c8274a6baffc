// Package service is the entry point for operators: it resolves servers and
// packs, gates runs with admission policies, and keeps pack assignments in
// step with confirmed applies and removes.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/driftwatch/pkg/compliance"
	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/policy"
	"github.com/openfroyo/driftwatch/pkg/reconcile"
	"github.com/openfroyo/driftwatch/pkg/stores"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
)

// Executor runs planned operations on a host.
type Executor interface {
	Execute(ctx context.Context, target engine.Target, packName string, mode packs.Mode, ops []packs.Operation) (*reconcile.Report, error)
}

// Checker verifies one pack on one host.
type Checker interface {
	Check(ctx context.Context, target engine.Target, pack *packs.Pack) (*compliance.Result, error)
}

// Recorder persists a compliance result and applies the alert lifecycle.
type Recorder interface {
	Record(ctx context.Context, target engine.Target, result *compliance.Result) (engine.Transition, error)
}

// Service coordinates the engine components.
type Service struct {
	store    stores.Store
	catalog  *packs.Catalog
	executor Executor
	checker  Checker
	recorder Recorder
	policies *policy.Engine
	inflight *reconcile.Inflight
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With().Str("component", "service").Logger()
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPolicies gates confirmed runs with an admission policy engine.
func WithPolicies(p *policy.Engine) Option {
	return func(s *Service) { s.policies = p }
}

// WithInflight shares the (server, pack) registry used by the executor and
// the drift scheduler, so manual checks never overlap a run of the same key.
func WithInflight(f *reconcile.Inflight) Option {
	return func(s *Service) { s.inflight = f }
}

// New creates a service.
func New(store stores.Store, catalog *packs.Catalog, executor Executor, checker Checker, recorder Recorder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		catalog:  catalog,
		executor: executor,
		checker:  checker,
		recorder: recorder,
		inflight: reconcile.NewInflight(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyRequest asks to push a pack to a server. Without Confirm only a
// preview is produced.
type ApplyRequest struct {
	ServerID string `json:"server_id"`
	Pack     string `json:"pack"`
	Confirm  bool   `json:"confirm"`
}

// RemoveRequest asks to withdraw a pack from a server. Without Confirm only
// a preview is produced.
type RemoveRequest struct {
	ServerID string `json:"server_id"`
	Pack     string `json:"pack"`
	Confirm  bool   `json:"confirm"`
}

// RunResult is the outcome of an apply or remove request. Exactly one of
// Preview and Report is set.
type RunResult struct {
	Mode      packs.Mode          `json:"mode"`
	ServerID  string              `json:"server_id"`
	PackName  string              `json:"pack_name"`
	Confirmed bool                `json:"confirmed"`
	Preview   []packs.PreviewItem `json:"preview,omitempty"`
	Report    *reconcile.Report   `json:"report,omitempty"`
	Policy    *policy.Decision    `json:"policy,omitempty"`
}

// Apply pushes a pack to a server. A confirmed run that succeeds on every
// item adds the pack to the server's assignment.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*RunResult, error) {
	return s.run(ctx, packs.ModeApply, req.ServerID, req.Pack, req.Confirm)
}

// Remove withdraws a pack from a server. The base pack can never be removed.
// A confirmed run that succeeds on every item drops the pack from the
// server's assignment.
func (s *Service) Remove(ctx context.Context, req RemoveRequest) (*RunResult, error) {
	return s.run(ctx, packs.ModeRemove, req.ServerID, req.Pack, req.Confirm)
}

func (s *Service) run(ctx context.Context, mode packs.Mode, serverID, packName string, confirm bool) (*RunResult, error) {
	if mode == packs.ModeRemove && packName == packs.BasePackName {
		s.metrics.RecordRunRejected("base_pack")
		return nil, engine.NewValidationError("the base pack cannot be removed", nil).
			WithCode(engine.ErrCodeBasePackRequired).
			WithResource(serverID).
			WithOperation(string(mode))
	}

	server, err := s.server(ctx, serverID)
	if err != nil {
		return nil, err
	}
	pack, err := s.catalog.Lookup(packName)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With().
		Str("server_id", server.ID).
		Str("pack", pack.Name).
		Str("mode", string(mode)).
		Bool("confirm", confirm).
		Logger()

	result := &RunResult{Mode: mode, ServerID: server.ID, PackName: pack.Name, Confirmed: confirm}

	if s.policies != nil {
		decision, err := s.policies.Evaluate(ctx, policy.NewInput(mode, server, pack))
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policies: %w", err)
		}
		result.Policy = decision
		for _, w := range decision.Warnings {
			logger.Warn().Str("policy", w.Policy).Str("item", w.Item).Msg(w.Message)
		}
		if confirm && !decision.Allowed {
			s.metrics.RecordRunRejected("policy")
			return result, policyDenied(server.ID, mode, decision)
		}
	}

	if !confirm {
		items, err := packs.Preview(pack, mode)
		if err != nil {
			return nil, err
		}
		result.Preview = items
		logger.Debug().Int("items", len(items)).Msg("Preview generated")
		return result, nil
	}

	ops, err := packs.Plan(pack, mode)
	if err != nil {
		return nil, err
	}
	report, err := s.executor.Execute(ctx, engine.TargetFromServer(server), pack.Name, mode, ops)
	if err != nil {
		if report == nil {
			return nil, err
		}
		result.Report = report
		return result, err
	}
	result.Report = report

	if report.Success {
		if err := s.updateAssignment(ctx, server, mode, pack.Name); err != nil {
			return result, err
		}
	}

	logger.Info().
		Str("run_id", report.RunID).
		Str("status", string(report.Status)).
		Int("changed", report.ChangedCount).
		Int("failed", report.FailedCount).
		Msg("Pack run finished")

	return result, nil
}

func policyDenied(serverID string, mode packs.Mode, decision *policy.Decision) error {
	messages := make([]string, 0, len(decision.Violations))
	for _, v := range decision.Violations {
		messages = append(messages, v.Policy+": "+v.Message)
	}
	return engine.NewSecurityRejection("denied by policy: "+strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(serverID).
		WithOperation(string(mode)).
		WithDetail("violations", decision.Violations)
}

// updateAssignment records the outcome of a fully successful run.
func (s *Service) updateAssignment(ctx context.Context, server *stores.Server, mode packs.Mode, packName string) error {
	var assigned []string
	switch mode {
	case packs.ModeApply:
		if server.HasPack(packName) {
			return nil
		}
		assigned = append(append(assigned, server.AssignedPacks...), packName)
	case packs.ModeRemove:
		if !server.HasPack(packName) {
			return nil
		}
		for _, p := range server.AssignedPacks {
			if p != packName {
				assigned = append(assigned, p)
			}
		}
	}

	if err := s.store.UpdateAssignedPacks(ctx, server.ID, assigned); err != nil {
		return fmt.Errorf("failed to update assignment: %w", err)
	}
	return nil
}

// Preview renders what applying or removing a pack would do. It needs no server.
func (s *Service) Preview(packName string, mode packs.Mode) ([]packs.PreviewItem, error) {
	if !mode.Valid() {
		return nil, engine.NewValidationError(fmt.Sprintf("unknown mode %q", mode), nil)
	}
	pack, err := s.catalog.Lookup(packName)
	if err != nil {
		return nil, err
	}
	return packs.Preview(pack, mode)
}

// CheckResult is a manual compliance check with the alert transition it caused.
type CheckResult struct {
	Result     *compliance.Result `json:"result"`
	Transition engine.Transition  `json:"transition"`
}

// Check verifies one pack on one server. The result is stored and runs
// through the same alert lifecycle as a scheduled check.
func (s *Service) Check(ctx context.Context, serverID, packName string) (*CheckResult, error) {
	server, err := s.server(ctx, serverID)
	if err != nil {
		return nil, err
	}
	pack, err := s.catalog.Lookup(packName)
	if err != nil {
		return nil, err
	}
	return s.check(ctx, server, pack)
}

// CheckServer verifies every pack assigned to a server, stopping at the
// first transport failure.
func (s *Service) CheckServer(ctx context.Context, serverID string) ([]*CheckResult, error) {
	server, err := s.server(ctx, serverID)
	if err != nil {
		return nil, err
	}

	results := make([]*CheckResult, 0, len(server.AssignedPacks))
	for _, name := range server.AssignedPacks {
		pack, err := s.catalog.Lookup(name)
		if err != nil {
			return results, err
		}
		res, err := s.check(ctx, server, pack)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) check(ctx context.Context, server *stores.Server, pack *packs.Pack) (*CheckResult, error) {
	if !s.inflight.Acquire(server.ID, pack.Name) {
		return nil, engine.NewConflictError(
			fmt.Sprintf("pack %s is busy on %s", pack.Name, server.ID), nil).
			WithCode(engine.ErrCodeInFlight).
			WithResource(server.ID).
			WithOperation("check")
	}
	defer s.inflight.Release(server.ID, pack.Name)

	target := engine.TargetFromServer(server)
	result, err := s.checker.Check(ctx, target, pack)
	if err != nil {
		return nil, err
	}
	transition, err := s.recorder.Record(ctx, target, result)
	if err != nil {
		return nil, err
	}
	return &CheckResult{Result: result, Transition: transition}, nil
}

// History returns stored compliance results for a key, newest first.
func (s *Service) History(ctx context.Context, serverID, packName string, limit int) ([]*compliance.Result, error) {
	records, err := s.store.ListComplianceResults(ctx, serverID, packName, limit)
	if err != nil {
		return nil, err
	}
	results := make([]*compliance.Result, 0, len(records))
	for _, rec := range records {
		r, err := compliance.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// ListAlerts returns drift alerts matching filter.
func (s *Service) ListAlerts(ctx context.Context, filter stores.AlertFilter) ([]*stores.DriftAlert, error) {
	return s.store.ListAlerts(ctx, filter)
}

// ListPacks returns the catalog in name order.
func (s *Service) ListPacks() []*packs.Pack {
	return s.catalog.List()
}

// GetPack returns one pack.
func (s *Service) GetPack(name string) (*packs.Pack, error) {
	return s.catalog.Lookup(name)
}

// AddServer registers a server. The base pack is always assigned and every
// assigned pack must exist in the catalog.
func (s *Service) AddServer(ctx context.Context, server *stores.Server) error {
	if err := engine.TargetFromServer(server).Validate(); err != nil {
		return err
	}
	assigned, err := s.normalizeAssignment(server.AssignedPacks)
	if err != nil {
		return err
	}
	server.AssignedPacks = assigned

	if err := s.store.CreateServer(ctx, server); err != nil {
		if errors.Is(err, stores.ErrConflict) {
			return engine.NewConflictError("server already exists: "+server.ID, err).WithResource(server.ID)
		}
		return err
	}
	s.logger.Info().Str("server_id", server.ID).Strs("packs", assigned).Msg("Server registered")
	return nil
}

// AssignPacks replaces a server's assignment without running anything on
// it. The next sweep checks the new packs.
func (s *Service) AssignPacks(ctx context.Context, serverID string, names []string) error {
	if _, err := s.server(ctx, serverID); err != nil {
		return err
	}
	assigned, err := s.normalizeAssignment(names)
	if err != nil {
		return err
	}
	return s.store.UpdateAssignedPacks(ctx, serverID, assigned)
}

// normalizeAssignment puts base first, drops duplicates and rejects unknown packs.
func (s *Service) normalizeAssignment(names []string) ([]string, error) {
	assigned := []string{packs.BasePackName}
	seen := map[string]bool{packs.BasePackName: true}
	for _, name := range names {
		if seen[name] {
			continue
		}
		if _, err := s.catalog.Lookup(name); err != nil {
			return nil, err
		}
		seen[name] = true
		assigned = append(assigned, name)
	}
	return assigned, nil
}

// SetDriftDetection enables or disables scheduled checks for a server.
func (s *Service) SetDriftDetection(ctx context.Context, serverID string, enabled bool) error {
	if err := s.store.SetDriftDetection(ctx, serverID, enabled); err != nil {
		return notFound(serverID, err)
	}
	return nil
}

// ListServers returns every registered server.
func (s *Service) ListServers(ctx context.Context) ([]*stores.Server, error) {
	return s.store.ListServers(ctx)
}

// ListAudit returns audit entries, newest first.
func (s *Service) ListAudit(ctx context.Context, action string, limit, offset int) ([]*stores.AuditEntry, error) {
	var filter *string
	if action != "" {
		filter = &action
	}
	return s.store.ListAuditEntries(ctx, filter, nil, limit, offset)
}

func (s *Service) server(ctx context.Context, id string) (*stores.Server, error) {
	server, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return server, nil
}

func notFound(serverID string, err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return engine.NewValidationError("server not found: "+serverID, err).
			WithCode(engine.ErrCodeServerNotFound).
			WithResource(serverID)
	}
	return err
}
