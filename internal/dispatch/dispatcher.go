// Package dispatch implements the admission and execution coordinator. The
// Dispatcher deduplicates requests by fingerprint, keeps at most one active
// job per fingerprint, runs claimed jobs on a bounded runner pool, and wires
// progress tracking, retry classification, events, caching, and notification
// into each execution.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"vidatlas/internal/cache"
	"vidatlas/internal/config"
	"vidatlas/internal/events"
	"vidatlas/internal/faults"
	"vidatlas/internal/fingerprint"
	"vidatlas/internal/job"
	"vidatlas/internal/logging"
	"vidatlas/internal/notify"
	"vidatlas/internal/pipeline"
	"vidatlas/internal/progress"
	"vidatlas/internal/registry"
)

// Admission is the outcome of one admit call. Payload carries the cached
// result on cache hits so the caller can serve it without another lookup.
type Admission struct {
	JobID   string
	Status  job.Status
	Cached  bool
	Created bool
	Payload json.RawMessage
}

// Dispatcher owns job admission, the runner pool, and settlement.
type Dispatcher struct {
	cfg      *config.Config
	store    *registry.Store
	cache    *cache.Store
	hub      *events.Hub
	worker   pipeline.Worker
	notifier notify.Notifier
	logger   *slog.Logger
	weights  progress.Weights
	policy   faults.Policy

	// admitMu serializes admissions so the cache check, registry check, and
	// insert act as one atomic step per request.
	admitMu sync.Mutex

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	active        map[string]context.CancelFunc
	pendingCancel map[string]struct{}
	wg            sync.WaitGroup

	// wake nudges an idle runner when admission enqueues a job.
	wake chan struct{}
}

// New constructs a dispatcher with the webhook notifier from configuration.
func New(cfg *config.Config, store *registry.Store, results *cache.Store, hub *events.Hub, worker pipeline.Worker, logger *slog.Logger) (*Dispatcher, error) {
	return NewWithNotifier(cfg, store, results, hub, worker, notify.NewNotifier(cfg), logger)
}

// NewWithNotifier constructs a dispatcher with a custom notifier (used in
// tests).
func NewWithNotifier(cfg *config.Config, store *registry.Store, results *cache.Store, hub *events.Hub, worker pipeline.Worker, notifier notify.Notifier, logger *slog.Logger) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if store == nil {
		return nil, errors.New("registry store is required")
	}
	if results == nil {
		return nil, errors.New("result cache is required")
	}
	if worker == nil {
		return nil, errors.New("worker is required")
	}
	weights := progress.Weights(cfg.Progress.Weights)
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("phase weights: %w", err)
	}
	if notifier == nil {
		notifier = notify.NewNotifier(cfg)
	}

	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		cache:    results,
		hub:      hub,
		worker:   worker,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "dispatch"),
		weights:  weights,
		policy: faults.Policy{
			Base:        cfg.RetryBackoffBase(),
			Factor:      cfg.Retry.BackoffFactor,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Jitter:      cfg.RetryJitter(),
		},
		active:        make(map[string]context.CancelFunc),
		pendingCancel: make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
	}, nil
}

// Admit resolves one analysis request: a fresh cache hit is served
// immediately under a synthetic job id, an active job for the same
// fingerprint is attached to, and anything else creates a queued job on the
// runner pool.
func (d *Dispatcher) Admit(ctx context.Context, req pipeline.Request) (Admission, error) {
	subject := strings.TrimSpace(req.SubjectID)
	if subject == "" {
		return Admission{}, faults.Wrap(faults.ErrDeterministic, "", "admit", "subject id is required", nil)
	}

	version := d.worker.Version()
	fp := fingerprint.Compute(subject, version, req.Params)

	d.admitMu.Lock()
	defer d.admitMu.Unlock()

	if entry, ok := d.cache.Get(fp); ok {
		d.logger.Debug("admission served from cache",
			logging.String(logging.FieldSubject, subject),
			logging.String(logging.FieldFingerprint, fp),
			logging.String(logging.FieldEventType, "cache_hit"))
		return Admission{
			JobID:   uuid.NewString(),
			Status:  job.StatusDone,
			Cached:  true,
			Payload: entry.Payload,
		}, nil
	}

	candidate := &job.Job{
		ID:              uuid.NewString(),
		Fingerprint:     fp,
		SubjectID:       subject,
		StrategyVersion: version,
		Params:          req.Params,
		Status:          job.StatusQueued,
		Cacheable:       true,
	}
	owner, created, err := d.store.CreateIfNoActive(ctx, candidate)
	if err != nil {
		return Admission{}, fmt.Errorf("admit %q: %w", subject, err)
	}
	if !created {
		d.logger.Debug("attached to active job",
			logging.String(logging.FieldJobID, owner.ID),
			logging.String(logging.FieldFingerprint, fp),
			logging.String(logging.FieldEventType, "job_attached"))
		return Admission{JobID: owner.ID, Status: owner.Status}, nil
	}

	d.logger.Info("job admitted",
		logging.String(logging.FieldJobID, owner.ID),
		logging.String(logging.FieldSubject, subject),
		logging.String(logging.FieldFingerprint, fp),
		logging.String(logging.FieldEventType, "job_admitted"))
	d.nudge()
	return Admission{JobID: owner.ID, Status: owner.Status, Created: true}, nil
}

// Cancel requests cancellation of a job. Queued jobs settle immediately;
// running jobs get their token canceled and settle when the worker yields
// between phases. Canceling a settled job is a no-op that reports the
// current state. Unknown ids return (nil, nil).
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	current, err := d.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	if current.Status.IsSettled() {
		return current, nil
	}

	if current.Status == job.StatusQueued {
		won, err := d.store.CancelQueued(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if won {
			canceled, err := d.store.GetByID(ctx, jobID)
			if err != nil {
				return nil, err
			}
			d.hub.Publish(events.Settled(canceled))
			d.notifySettled(ctx, canceled)
			d.logger.Info("queued job canceled",
				logging.String(logging.FieldJobID, jobID),
				logging.String(logging.FieldEventType, "job_canceled"))
			return canceled, nil
		}
		// A runner claimed the job between the read and the cancel attempt;
		// fall through to the running-job path.
	}

	d.mu.Lock()
	if cancelJob, ok := d.active[jobID]; ok {
		cancelJob()
		d.mu.Unlock()
	} else {
		// The owning runner is between claim and registration; leave a
		// marker it will consume before running any phase.
		d.pendingCancel[jobID] = struct{}{}
		d.mu.Unlock()

		latest, err := d.store.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if latest == nil || latest.Status.IsSettled() {
			d.mu.Lock()
			delete(d.pendingCancel, jobID)
			d.mu.Unlock()
			return latest, nil
		}
	}

	return d.store.GetByID(ctx, jobID)
}

// Start recovers interrupted jobs and launches the runner pool plus the
// maintenance loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	requeued, err := d.store.RequeueRunning(ctx)
	if err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	if requeued > 0 {
		d.logger.Info("requeued jobs interrupted by previous shutdown",
			logging.Int64("count", requeued),
			logging.String(logging.FieldEventType, "job_requeued"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	size := d.cfg.Pool.Size
	if size < 1 {
		size = 1
	}

	d.mu.Lock()
	d.cancel = cancel
	d.wg.Add(size + 1)
	d.mu.Unlock()

	for i := 0; i < size; i++ {
		go d.runWorker(runCtx, i+1)
	}
	go d.runMaintenance(runCtx)

	d.logger.Info("dispatcher started",
		logging.Int("pool_size", size),
		logging.Duration("phase_timeout", d.cfg.PhaseTimeout()))
	return nil
}

// Stop cancels the runner pool and waits for in-flight executions to yield.
// Jobs interrupted mid-run stay running in the registry and are requeued on
// the next Start.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Status is a point-in-time snapshot of dispatcher state.
type Status struct {
	Running      bool
	PoolSize     int
	ActiveJobs   int
	Jobs         map[job.Status]int
	CacheEntries int
	Subscribers  int
}

// Status reports liveness, per-status job counts, and resource usage.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	d.mu.Lock()
	running := d.running
	activeJobs := len(d.active)
	d.mu.Unlock()

	return Status{
		Running:      running,
		PoolSize:     d.cfg.Pool.Size,
		ActiveJobs:   activeJobs,
		Jobs:         stats,
		CacheEntries: d.cache.Len(),
		Subscribers:  d.hub.Active(),
	}, nil
}

// register installs the cancel token for a claimed job. It reports false
// when cancellation arrived before execution started, in which case the
// runner must settle the job as canceled without running any phase.
func (d *Dispatcher) register(jobID string, cancelJob context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pendingCancel[jobID]; ok {
		delete(d.pendingCancel, jobID)
		return false
	}
	d.active[jobID] = cancelJob
	return true
}

func (d *Dispatcher) unregister(jobID string) {
	d.mu.Lock()
	delete(d.active, jobID)
	delete(d.pendingCancel, jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) notifySettled(ctx context.Context, j *job.Job) {
	if err := d.notifier.JobSettled(ctx, j); err != nil {
		d.logger.Warn("settlement webhook failed",
			logging.String(logging.FieldJobID, j.ID),
			logging.Error(err))
	}
}
