package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/run"

	"github.com/aristath/nworlds/internal/agent"
	"github.com/aristath/nworlds/internal/backend"
	"github.com/aristath/nworlds/internal/config"
	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/sandbox"
	"github.com/aristath/nworlds/internal/store"
	"github.com/aristath/nworlds/internal/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	// recordBuffer holds events while the store catches up with a burst of
	// task results.
	recordBuffer = 4096
)

// environment is what commands running agents in sandboxes share: the
// sandbox manager with its activity watcher, the event bus recorded into
// the store, the agent runner and, when enabled, telemetry.
type environment struct {
	cfg      *config.Config
	logger   log.Logger
	manager  *sandbox.Manager
	watcher  *sandbox.ActivityWatcher
	bus      *events.Bus
	store    *store.Store
	recorder *store.Recorder
	records  <-chan events.Event
	procs    *backend.ProcessManager
	runner   *agent.Runner
	shutdown telemetry.Shutdown
}

func newEnvironment(ctx context.Context, root *RootCommand) (_ *environment, err error) {
	logger := root.Logger

	cfg, err := root.loadConfig()
	if err != nil {
		return nil, err
	}
	env := &environment{cfg: cfg, logger: logger, bus: events.NewBus(), procs: backend.NewProcessManager()}
	defer func() {
		if err != nil {
			_ = env.close(ctx)
		}
	}()

	if cfg.Telemetry.Enabled {
		env.shutdown, err = telemetry.Setup(telemetry.Config{
			ServiceVersion: root.Version,
			Writer:         root.Stderr,
		})
		if err != nil {
			return nil, fmt.Errorf("could not set up telemetry: %w", err)
		}
	}

	env.manager, err = newManager(ctx, root, cfg)
	if err != nil {
		return nil, err
	}
	env.watcher, err = sandbox.NewActivityWatcher(env.manager, 0)
	if err != nil {
		return nil, fmt.Errorf("could not create activity watcher: %w", err)
	}

	env.store, err = store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open store: %w", err)
	}
	env.recorder = store.NewRecorder(env.store, logger)
	env.records = env.bus.SubscribeAll(recordBuffer)

	agents, err := cfg.BackendConfigs()
	if err != nil {
		return nil, err
	}
	env.runner, err = agent.NewRunner(agent.Config{
		Agents:         agents,
		DefaultAgent:   cfg.DefaultAgent,
		ProcessManager: env.procs,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create agent runner: %w", err)
	}

	return env, nil
}

func newManager(ctx context.Context, root *RootCommand, cfg *config.Config) (*sandbox.Manager, error) {
	mgr, err := sandbox.Discover(ctx, sandbox.ManagerConfig{
		SearchFrom: root.ProjectDir,
		RootDir:    cfg.Sandbox.Root,
		BaseRef:    cfg.Sandbox.BaseRef,
		StuckAfter: cfg.Sandbox.StuckAfter,
		Logger:     root.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open sandboxes: %w", err)
	}
	return mgr, nil
}

// poolConfig is the configured pool wired to the environment.
func (e *environment) poolConfig() pool.Config {
	return pool.Config{
		MaxConcurrency:    e.cfg.Pool.MaxConcurrency,
		TimeoutPerTask:    e.cfg.Pool.TimeoutPerTask,
		FailFast:          e.cfg.Pool.FailFast,
		AutoCleanup:       e.cfg.Pool.AutoCleanup,
		CancelGracePeriod: e.cfg.Pool.CancelGracePeriod,
		Sandboxes:         e.manager,
		Watcher:           e.watcher,
		Bus:               e.bus,
		Logger:            e.logger,
	}
}

// run runs work next to the activity watcher and the recorder. Once work
// returns the bus is closed and the recorder stores what is left before
// run returns.
func (e *environment) run(ctx context.Context, work func(ctx context.Context) error) error {
	var g run.Group

	// Recorder.
	{
		g.Add(
			func() error {
				return e.recorder.Run(context.WithoutCancel(ctx), e.records)
			},
			func(_ error) {
				e.bus.Close()
			},
		)
	}

	// Activity watcher.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return e.watcher.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Work.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return work(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// close kills leftover agent processes and releases every resource.
func (e *environment) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs *multierror.Error
	if e.procs != nil && e.procs.Count() > 0 {
		e.logger.Warningf("Killing %d agent processes", e.procs.Count())
		if err := e.procs.KillAll(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("killing agent processes: %w", err))
		}
	}
	e.bus.Close()
	if n := e.bus.Dropped(); n > 0 {
		e.logger.Warningf("%d events were dropped and are missing from the store", n)
	}
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing activity watcher: %w", err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if e.shutdown != nil {
		if err := e.shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("shutting down telemetry: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
