package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/driftwatch/pkg/compliance"
	"github.com/openfroyo/driftwatch/pkg/config"
	"github.com/openfroyo/driftwatch/pkg/drift"
	"github.com/openfroyo/driftwatch/pkg/notify"
	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/policy"
	"github.com/openfroyo/driftwatch/pkg/reconcile"
	"github.com/openfroyo/driftwatch/pkg/service"
	"github.com/openfroyo/driftwatch/pkg/stores"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
	"github.com/openfroyo/driftwatch/pkg/transports/ssh"
	"github.com/openfroyo/driftwatch/pkg/whitelist"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store      *stores.SQLiteStore
	catalog    *packs.Catalog
	validator  *whitelist.Validator
	policies   *policy.Engine
	pool       *ssh.Pool
	dispatcher *notify.Dispatcher
	detector   *drift.Detector
	checker    *compliance.Checker
	executor   *reconcile.Executor
	inflight   *reconcile.Inflight
	svc        *service.Service
}

// loadConfig reads --config, or the defaults when it is not set.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp wires every component. remote controls whether an SSH pool is
// created; commands that never touch a host skip it so they work without keys.
func openApp(ctx context.Context, cfg *config.Config, remote bool) (a *app, err error) {
	a = &app{cfg: cfg, inflight: reconcile.NewInflight()}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	if a.tel, err = telemetry.NewTelemetry(&cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.logger = a.tel.Logger.Zerolog()
	metrics := a.tel.Metrics

	if a.store, err = openStore(ctx, cfg.StorePath); err != nil {
		return nil, err
	}

	if a.catalog, err = packs.LoadCatalog(cfg.PacksDir); err != nil {
		return nil, fmt.Errorf("failed to load packs: %w", err)
	}

	actions := whitelist.DefaultCatalog()
	if cfg.ExtraActionsFile != "" {
		extra, err := whitelist.LoadCatalogFile(cfg.ExtraActionsFile)
		if err != nil {
			return nil, err
		}
		if actions, err = actions.Merge(extra); err != nil {
			return nil, err
		}
	}
	a.validator, err = whitelist.New(actions,
		whitelist.WithLogger(a.logger),
		whitelist.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to build command whitelist: %w", err)
	}

	if a.policies, err = policy.NewEngine(a.logger); err != nil {
		return nil, err
	}
	if cfg.PoliciesDir != "" {
		loaded, err := policy.NewLoader(a.logger).LoadDir(cfg.PoliciesDir)
		if err != nil {
			return nil, err
		}
		if err := a.policies.Load(ctx, loaded); err != nil {
			return nil, err
		}
	}

	a.dispatcher = notify.NewDispatcher(cfg.Notify.Dispatcher, a.logger, metrics)
	if err := registerSinks(a.dispatcher, cfg.Notify, a.logger); err != nil {
		return nil, err
	}
	a.detector = drift.NewDetector(a.store, a.dispatcher,
		drift.WithDetectorLogger(a.logger),
		drift.WithDetectorMetrics(metrics),
		drift.WithDashboardURL(cfg.DashboardURL))

	var runner ssh.Runner
	if remote {
		if a.pool, err = ssh.NewPool(&cfg.SSH, a.logger); err != nil {
			return nil, err
		}
		runner = a.pool
	}

	a.checker = compliance.NewChecker(runner, a.validator,
		compliance.WithLogger(a.logger),
		compliance.WithMetrics(metrics),
		compliance.WithTracer(a.tel.Tracer),
		compliance.WithCommandTimeout(cfg.SSH.CommandTimeout))
	a.executor = reconcile.NewExecutor(runner, a.validator, a.store,
		reconcile.WithLogger(a.logger),
		reconcile.WithMetrics(metrics),
		reconcile.WithTracer(a.tel.Tracer),
		reconcile.WithCommandTimeout(commandTimeout(cfg)),
		reconcile.WithInflight(a.inflight))

	a.svc = service.New(a.store, a.catalog, a.executor, a.checker, a.detector,
		service.WithLogger(a.logger),
		service.WithMetrics(metrics),
		service.WithPolicies(a.policies),
		service.WithInflight(a.inflight))

	return a, nil
}

func commandTimeout(cfg *config.Config) time.Duration {
	if cfg.Reconcile.CommandTimeout > 0 {
		return cfg.Reconcile.CommandTimeout
	}
	return cfg.SSH.CommandTimeout
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func registerSinks(d *notify.Dispatcher, cfg config.NotifyConfig, logger zerolog.Logger) error {
	filter := notify.FilterBySeverity(cfg.MinSeverity)
	if cfg.Log {
		d.Register(notify.NewLogSink(logger), filter)
	}
	if cfg.Webhook.URL != "" {
		sink, err := notify.NewWebhookSink(cfg.Webhook)
		if err != nil {
			return err
		}
		d.Register(sink, filter)
	}
	return nil
}

// newScheduler builds a drift scheduler over the app's components.
func (a *app) newScheduler(cfg drift.Config, opts ...drift.SchedulerOption) *drift.Scheduler {
	opts = append([]drift.SchedulerOption{
		drift.WithLogger(a.logger),
		drift.WithMetrics(a.tel.Metrics),
		drift.WithTracer(a.tel.Tracer),
		drift.WithInflight(a.inflight),
	}, opts...)
	return drift.NewScheduler(cfg, a.store, a.catalog, a.checker, a.detector, opts...)
}

// close flushes pending notifications and releases every resource.
func (a *app) close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Shutdown(shutdownCtx))
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}

// withApp loads the config, wires the app, runs fn and closes the app.
func withApp(ctx context.Context, remote bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, remote)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.Background()); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("Shutdown incomplete")
		}
	}()
	return fn(a.tel.WithContext(ctx), a)
}
