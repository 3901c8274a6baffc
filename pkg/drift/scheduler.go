package drift

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/driftwatch/pkg/compliance"
	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/reconcile"
	"github.com/openfroyo/driftwatch/pkg/stores"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
)

// ErrAlreadyStarted is returned by Start when the loop is running.
var ErrAlreadyStarted = errors.New("drift scheduler already started")

// Config configures the recurring sweep.
type Config struct {
	// Interval between sweep starts.
	Interval time.Duration `yaml:"interval" validate:"min=1s"`

	// Workers bounds how many servers are checked at once.
	Workers int `yaml:"workers" validate:"min=1,max=256"`

	// ServerTimeout bounds all checks of one server. Zero means no bound.
	ServerTimeout time.Duration `yaml:"server_timeout" validate:"min=0"`

	// RunOnStart sweeps immediately when the scheduler starts.
	RunOnStart bool `yaml:"run_on_start"`
}

// DefaultConfig sweeps once a day.
func DefaultConfig() Config {
	return Config{
		Interval:      24 * time.Hour,
		Workers:       10,
		ServerTimeout: 2 * time.Minute,
	}
}

// ServerLister lists the servers to sweep.
type ServerLister interface {
	ListServers(ctx context.Context) ([]*stores.Server, error)
}

// PackLookup resolves pack names.
type PackLookup interface {
	Lookup(name string) (*packs.Pack, error)
}

// Checker verifies one pack on one server.
type Checker interface {
	Check(ctx context.Context, target engine.Target, pack *packs.Pack) (*compliance.Result, error)
}

// Recorder applies the alert lifecycle to a result.
type Recorder interface {
	Record(ctx context.Context, target engine.Target, result *compliance.Result) (engine.Transition, error)
}

// RunStats summarizes one sweep.
type RunStats struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Servers      int       `json:"servers"`
	Skipped      int       `json:"skipped"`
	Unreachable  int       `json:"unreachable"`
	Checks       int       `json:"checks"`
	Compliant    int       `json:"compliant"`
	NonCompliant int       `json:"non_compliant"`
	Failed       int       `json:"failed"`
	Busy         int       `json:"busy"`
	Opened       int       `json:"opened"`
	Refreshed    int       `json:"refreshed"`
	Resolved     int       `json:"resolved"`
}

// State is the scheduler's lifecycle state.
type State struct {
	Started        bool          `json:"started"`
	Running        bool          `json:"running"`
	Interval       time.Duration `json:"interval"`
	LastStartedAt  time.Time     `json:"last_started_at,omitempty"`
	LastFinishedAt time.Time     `json:"last_finished_at,omitempty"`
	NextRunAt      time.Time     `json:"next_run_at,omitempty"`
	Runs           int           `json:"runs"`
	LastRun        *RunStats     `json:"last_run,omitempty"`
}

// Scheduler runs the compliance sweep on a fixed interval. At most one sweep
// runs at a time.
type Scheduler struct {
	config   Config
	servers  ServerLister
	catalog  PackLookup
	checker  Checker
	recorder Recorder
	inflight *reconcile.Inflight
	hooks    []func(RunStats)
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	mu         sync.Mutex
	state      State
	anchor     time.Time
	cancel     context.CancelFunc
	reschedule chan struct{}
	wg         sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger.With().Str("component", "drift_scheduler").Logger()
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithInflight shares the (server, pack) registry with the reconciliation
// executor so a check never overlaps an apply or remove of the same key.
func WithInflight(f *reconcile.Inflight) SchedulerOption {
	return func(s *Scheduler) { s.inflight = f }
}

// WithSweepHook registers fn to run after every sweep.
func WithSweepHook(fn func(RunStats)) SchedulerOption {
	return func(s *Scheduler) { s.hooks = append(s.hooks, fn) }
}

// NewScheduler creates a scheduler. It does not start the loop.
func NewScheduler(cfg Config, servers ServerLister, catalog PackLookup, checker Checker, recorder Recorder, opts ...SchedulerOption) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	s := &Scheduler{
		config:     cfg,
		servers:    servers,
		catalog:    catalog,
		checker:    checker,
		recorder:   recorder,
		inflight:   reconcile.NewInflight(),
		logger:     zerolog.Nop(),
		reschedule: make(chan struct{}, 1),
	}
	s.state.Interval = cfg.Interval
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns a snapshot of the scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if st.LastRun != nil {
		last := *st.LastRun
		st.LastRun = &last
	}
	return st
}

// Start launches the recurring loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Started = true
	s.anchor = time.Now()
	interval, workers := s.config.Interval, s.config.Workers
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", interval).
		Int("workers", workers).
		Msg("Drift scheduler started")

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop and any sweep in progress, and waits for both to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.state.Started = false
	s.state.NextRunAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info().Msg("Drift scheduler stopped")
}

// Reschedule changes the interval. The next sweep is recomputed from the last
// sweep start right away, so a shorter interval that is already overdue
// sweeps immediately instead of waiting for the old deadline.
func (s *Scheduler) Reschedule(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	s.config.Interval = interval
	s.state.Interval = interval
	s.mu.Unlock()

	select {
	case s.reschedule <- struct{}{}:
	default:
	}

	s.logger.Info().Dur("interval", interval).Msg("Drift sweep rescheduled")
}

// nextRun returns how long to wait for the next sweep and records the deadline.
func (s *Scheduler) nextRun() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.anchor
	if !s.state.LastStartedAt.IsZero() {
		base = s.state.LastStartedAt
	}
	next := base.Add(s.config.Interval)
	s.state.NextRunAt = next

	wait := time.Until(next)
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.runScheduled(ctx)
	}

	for {
		timer := time.NewTimer(s.nextRun())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.reschedule:
			timer.Stop()
		case <-timer.C:
			s.runScheduled(ctx)
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Scheduled drift sweep failed")
	}
}

// sweep accumulates stats from concurrent workers.
type sweep struct {
	mu    sync.Mutex
	stats RunStats
}

func (w *sweep) add(fn func(st *RunStats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

// Eligible reports whether server takes part in sweeps.
func Eligible(server *stores.Server) bool {
	return server.DriftDetectionEnabled && len(server.AssignedPacks) > 0
}

// RunOnce performs one sweep now. It fails with a conflict error if a sweep
// is already running. Per-server failures are logged and counted, never
// returned.
func (s *Scheduler) RunOnce(ctx context.Context) (stats *RunStats, err error) {
	s.mu.Lock()
	if s.state.Running {
		s.mu.Unlock()
		return nil, engine.NewConflictError("a drift sweep is already running", nil).
			WithCode(engine.ErrCodeInFlight).
			WithOperation("drift_sweep")
	}
	started := time.Now()
	s.state.Running = true
	s.state.LastStartedAt = started
	workers := s.config.Workers
	s.mu.Unlock()

	w := &sweep{stats: RunStats{RunID: uuid.New().String(), StartedAt: started.UTC()}}
	logger := s.logger.With().Str("run_id", w.stats.RunID).Logger()

	ctx, span := s.tracer.StartSpan(ctx, "drift.sweep")
	defer func() {
		finished := time.Now()
		w.stats.FinishedAt = finished.UTC()
		snapshot := w.stats

		s.mu.Lock()
		s.state.Running = false
		s.state.LastFinishedAt = finished
		s.state.Runs++
		s.state.LastRun = &snapshot
		s.mu.Unlock()

		s.metrics.RecordSweep(finished.Sub(started))
		telemetry.EndSpan(span, err)

		for _, hook := range s.hooks {
			hook(snapshot)
		}
	}()

	servers, err := s.servers.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("servers", len(servers)).Msg("Drift sweep started")

	var g errgroup.Group
	g.SetLimit(workers)
	for _, server := range servers {
		w.add(func(st *RunStats) { st.Servers++ })
		if !Eligible(server) {
			w.add(func(st *RunStats) { st.Skipped++ })
			s.metrics.RecordSweepServer("skipped")
			logger.Debug().Str("server_id", server.ID).Msg("Server not eligible for drift detection")
			continue
		}
		if ctx.Err() != nil {
			break
		}

		server := server
		g.Go(func() error {
			s.sweepServer(ctx, logger, server, w)
			return nil
		})
	}
	_ = g.Wait()

	final := w.stats
	logger.Info().
		Int("servers", final.Servers).
		Int("skipped", final.Skipped).
		Int("unreachable", final.Unreachable).
		Int("checks", final.Checks).
		Int("non_compliant", final.NonCompliant).
		Int("opened", final.Opened).
		Int("resolved", final.Resolved).
		Dur("duration", time.Since(started)).
		Msg("Drift sweep completed")

	if err := ctx.Err(); err != nil {
		return &final, err
	}
	return &final, nil
}

// sweepServer checks every pack assigned to server. A transport failure
// skips the server's remaining packs.
func (s *Scheduler) sweepServer(ctx context.Context, logger zerolog.Logger, server *stores.Server, w *sweep) {
	target := engine.TargetFromServer(server)
	logger = logger.With().Str("server_id", server.ID).Str("hostname", server.Hostname).Logger()

	if s.config.ServerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ServerTimeout)
		defer cancel()
	}

	status := "checked"
	defer func() { s.metrics.RecordSweepServer(status) }()

	for _, name := range server.AssignedPacks {
		pack, err := s.catalog.Lookup(name)
		if err != nil {
			w.add(func(st *RunStats) { st.Failed++ })
			logger.Warn().Err(err).Str("pack", name).Msg("Assigned pack is not in the catalog")
			continue
		}

		if !s.inflight.Acquire(server.ID, name) {
			w.add(func(st *RunStats) { st.Busy++ })
			logger.Info().Str("pack", name).Msg("Pack busy with an apply or remove, skipping check")
			continue
		}
		result, err := s.checker.Check(ctx, target, pack)
		s.inflight.Release(server.ID, name)

		if err != nil {
			if engine.IsTransportUnavailable(err) {
				w.add(func(st *RunStats) { st.Unreachable++ })
				status = "unreachable"
				logger.Error().Err(err).Str("address", server.Address).Msg("Server unreachable, skipping remaining packs")
				return
			}
			w.add(func(st *RunStats) { st.Failed++ })
			status = "failed"
			logger.Error().Err(err).Str("pack", name).Msg("Compliance check failed")
			continue
		}

		w.add(func(st *RunStats) {
			st.Checks++
			if result.IsCompliant {
				st.Compliant++
			} else {
				st.NonCompliant++
			}
		})

		transition, err := s.recorder.Record(ctx, target, result)
		if err != nil {
			w.add(func(st *RunStats) { st.Failed++ })
			status = "failed"
			logger.Error().Err(err).Str("pack", name).Msg("Failed to record compliance result")
			continue
		}

		w.add(func(st *RunStats) {
			switch transition {
			case engine.TransitionOpened:
				st.Opened++
			case engine.TransitionRefreshed:
				st.Refreshed++
			case engine.TransitionResolved:
				st.Resolved++
			}
		})
	}
}
