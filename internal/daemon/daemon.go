package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"vidatlas/internal/cache"
	"vidatlas/internal/config"
	"vidatlas/internal/dispatch"
	"vidatlas/internal/events"
	"vidatlas/internal/logging"
	"vidatlas/internal/pipeline"
	"vidatlas/internal/preflight"
	"vidatlas/internal/registry"
	"vidatlas/internal/server"
)

// Daemon owns the engine's lifecycle: it acquires the single-instance lock,
// runs preflight, starts the components in dependency order, and tears them
// down in reverse.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	log     *slog.Logger
	worker  pipeline.Worker
	version string

	lock *flock.Flock

	store      *registry.Store
	results    *cache.Store
	hub        *events.Hub
	dispatcher *dispatch.Dispatcher
	server     *server.Server

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon around the given analysis worker. A nil worker
// selects the reference analyzer. Nothing is opened until Start.
func New(cfg *config.Config, logger *slog.Logger, worker pipeline.Worker, version string) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if worker == nil {
		worker = pipeline.NewAnalyzer(cfg)
	}
	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		log:     logging.NewComponentLogger(logger, "daemon"),
		worker:  worker,
		version: version,
		lock:    flock.New(cfg.LockPath()),
	}, nil
}

// Start brings the engine up. The context bounds the daemon's lifetime:
// canceling it drains the HTTP server and stops the worker pool, after which
// the caller still calls Stop to release the lock and PID file.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another daemon instance is already running")
	}

	if err := d.runPreflight(ctx); err != nil {
		_ = d.lock.Unlock()
		return err
	}
	if err := d.writePIDFile(); err != nil {
		_ = d.lock.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.startComponents(runCtx); err != nil {
		cancel()
		d.cancel = nil
		d.teardown()
		return err
	}

	d.running.Store(true)
	d.log.Info("daemon started",
		logging.String("version", d.version),
		logging.String("address", d.server.Addr()),
		logging.String("lock", d.cfg.LockPath()))
	return nil
}

// Stop tears the engine down in reverse start order and releases the lock.
// Interrupted jobs stay in the registry as running and requeue on the next
// Start.
func (d *Daemon) Stop() {
	if !d.running.Swap(false) {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.teardown()
	d.log.Info("daemon stopped")
}

// Running reports whether the engine is started.
func (d *Daemon) Running() bool { return d.running.Load() }

// Addr reports the HTTP listener address, or empty before Start.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

func (d *Daemon) startComponents(ctx context.Context) error {
	store, err := registry.Open(d.cfg)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	d.store = store

	d.results = cache.Open(d.cfg.Cache.Path, d.cfg.CacheTTL(), d.logger)
	d.hub = events.NewHub(d.cfg.Progress.SubscriberQueueSize, d.logger)

	dispatcher, err := dispatch.New(d.cfg, d.store, d.results, d.hub, d.worker, d.logger)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	d.dispatcher = dispatcher
	if err := d.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	srv, err := server.New(d.cfg, server.Deps{
		Dispatcher: d.dispatcher,
		Store:      d.store,
		Cache:      d.results,
		Hub:        d.hub,
		Version:    d.version,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}
	d.server = srv
	if err := d.server.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	return nil
}

func (d *Daemon) teardown() {
	if d.server != nil {
		d.server.Stop()
		d.server = nil
	}
	if d.dispatcher != nil {
		d.dispatcher.Stop()
		d.dispatcher = nil
	}
	if d.hub != nil {
		d.hub.Shutdown()
		d.hub = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("failed to close registry", logging.Error(err))
		}
		d.store = nil
	}
	d.results = nil

	d.removePIDFile()
	if err := d.lock.Unlock(); err != nil {
		d.log.Warn("failed to release daemon lock", logging.Error(err))
	}
}

func (d *Daemon) runPreflight(ctx context.Context) error {
	results := preflight.RunAll(ctx, d.cfg)
	for _, result := range results {
		if result.Passed {
			d.log.Debug("preflight check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail))
			continue
		}
		d.log.Error("preflight check failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail))
	}
	if failed := preflight.Failed(results); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, result := range failed {
			names[i] = result.Name
		}
		return fmt.Errorf("preflight failed: %s", strings.Join(names, ", "))
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	if err := os.WriteFile(d.cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (d *Daemon) removePIDFile() {
	if err := os.Remove(d.cfg.PIDPath()); err != nil && !os.IsNotExist(err) {
		d.log.Warn("failed to remove pid file", logging.Error(err))
	}
}

// Run starts a daemon and blocks until ctx ends, then stops it. It is the
// program body of vidatlasd.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) error {
	d, err := New(cfg, logger, nil, version)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	return nil
}
