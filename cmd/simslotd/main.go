package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/simslot/internal/config"
	"github.com/g960059/simslot/internal/daemon"
	"github.com/g960059/simslot/internal/db"
	"github.com/g960059/simslot/internal/dispatch"
	"github.com/g960059/simslot/internal/metrics"
	"github.com/g960059/simslot/internal/platform"
	"github.com/g960059/simslot/internal/reconcile"
	"github.com/g960059/simslot/internal/slotengine"
	"github.com/g960059/simslot/internal/slotstate"
	"github.com/g960059/simslot/internal/trigger"
)

var logger = loggo.GetLogger("simslot.simslotd")

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		fatal(err)
	}
	if err := loggo.ConfigureLoggers(cfg.LogConfig); err != nil {
		fatal(errors.Annotate(err, "configure loggers"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// loadConfig resolves configuration in increasing precedence: defaults, YAML
// file, .env file and SIMSLOT_* environment, then command line flags.
func loadConfig(args []string, errOut io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("simslotd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", os.Getenv("SIMSLOT_CONFIG"), "YAML config path")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before SIMSLOT_* overrides")
	socket := fs.String("socket", "", "UDS path for simslotd")
	dbPath := fs.String("db", "", "SQLite path")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, errors.Trace(err)
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		return config.Config{}, errors.Trace(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, errors.Trace(err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, errors.Trace(err)
	}
	if *socket != "" {
		cfg.SocketPath = *socket
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return errors.Trace(err)
	}

	worker, registry, health, err := startDecisionPipeline(cfg, store, clock.WallClock)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		worker.Kill()
		if err := worker.Wait(); err != nil {
			logErr("trigger worker", err)
		}
	}()

	reconciler := reconcile.NewReconciler(store, worker, cfg)
	if _, err := reconciler.Startup(ctx, time.Now().UTC()); err != nil {
		return errors.Annotate(err, "startup reconcile")
	}
	startReconcileLoop(ctx, reconciler, cfg.ReconcileInterval)

	watcher, err := trigger.NewFileWatcher(cfg.TriggerDir, worker)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		watcher.Kill()
		if err := watcher.Wait(); err != nil {
			logErr("trigger file watcher", err)
		}
	}()

	srv := daemon.NewServer(cfg, daemon.Deps{
		Queue:     worker,
		State:     slotstate.NewStore(store),
		Decisions: store,
		Health:    health,
		Gatherer:  registry,
	})
	return srv.Start(ctx)
}

// startDecisionPipeline wires the engine to the device bridge and starts the
// worker that serializes triggers through it.
func startDecisionPipeline(cfg config.Config, store *db.Store, clk clock.Clock) (*trigger.Worker, *prometheus.Registry, *platform.HealthTracker, error) {
	executor := platform.NewExecutor(cfg)
	facade := platform.NewFacade(cfg, executor, clk)
	health := platform.NewHealthTracker(cfg)

	engine, err := slotengine.New(slotengine.Config{
		Facade:            facade,
		Store:             slotstate.NewStore(store),
		Clock:             clk,
		DualSimOnboarding: cfg.DualSimOnboarding,
	})
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, nil, nil, errors.Annotate(err, "register metrics")
	}

	worker, err := trigger.NewWorker(trigger.Config{
		Decider:    engine,
		Journal:    store,
		Dispatcher: dispatch.NewCommandDispatcher(cfg, executor, facade),
		Metrics:    collector,
		Health:     health,
		Clock:      clk,
	})
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	return worker, registry, health, nil
}

func startReconcileLoop(ctx context.Context, reconciler *reconcile.Reconciler, interval time.Duration) {
	interval = loopInterval(interval, 10*time.Minute)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := reconciler.Tick(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
					logErr("reconcile tick", err)
				}
			}
		}
	}()
}

func loopInterval(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		return fallback
	}
	return interval
}

func logErr(scope string, err error) {
	logger.Errorf("%s: %v", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "simslotd: %v\n", err)
	os.Exit(1)
}
