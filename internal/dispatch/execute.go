package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"vidatlas/internal/cache"
	"vidatlas/internal/events"
	"vidatlas/internal/faults"
	"vidatlas/internal/fingerprint"
	"vidatlas/internal/job"
	"vidatlas/internal/logging"
	"vidatlas/internal/pipeline"
	"vidatlas/internal/progress"
)

// runWorker is one runner goroutine. It claims queued jobs until the pool
// context is canceled, idling on the wake channel between polls.
func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	defer d.wg.Done()
	logger := d.logger.With(logging.Int("runner", id))

	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := d.store.ClaimNextQueued(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to claim queued job",
				logging.String(logging.FieldEventType, "claim_failed"),
				logging.Error(err))
			if !d.waitForWork(ctx) {
				return
			}
			continue
		}
		if claimed == nil {
			if !d.waitForWork(ctx) {
				return
			}
			continue
		}
		d.executeJob(ctx, logger, claimed)
	}
}

// waitForWork blocks until new work may exist. It returns false only on
// shutdown.
func (d *Dispatcher) waitForWork(ctx context.Context) bool {
	timer := time.NewTimer(d.cfg.PollInterval())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.wake:
		return true
	case <-timer.C:
		return true
	}
}

// executeJob owns one claimed job from registration through settlement. ctx
// is the pool context; its cancellation means daemon shutdown, in which case
// the row stays running and is requeued on the next start.
func (d *Dispatcher) executeJob(ctx context.Context, logger *slog.Logger, j *job.Job) {
	logger = logger.With(
		logging.String(logging.FieldJobID, j.ID),
		logging.String(logging.FieldSubject, j.SubjectID))

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	if !d.register(j.ID, cancelJob) {
		// Cancellation arrived between the claim and registration.
		j.SetCanceled()
		if err := d.store.Update(ctx, j); err != nil {
			logger.Error("failed to settle canceled job", logging.Error(err))
			return
		}
		d.hub.Publish(events.Settled(j))
		d.notifySettled(ctx, j)
		logger.Info("job canceled before execution",
			logging.String(logging.FieldEventType, "job_canceled"))
		return
	}
	defer d.unregister(j.ID)

	started := time.Now()
	logger.Info("job execution started",
		logging.String(logging.FieldFingerprint, j.Fingerprint),
		logging.String(logging.FieldEventType, "job_start"))

	tracker := progress.NewTracker(d.weights)
	sampler := logging.NewProgressSampler(0)

	// phaseName feeds the report closure; execution is single-goroutine so
	// plain assignment per phase is safe.
	var phaseName string
	st := pipeline.NewState(
		pipeline.Request{SubjectID: j.SubjectID, Params: j.Params},
		logger,
		func(fraction float64) {
			d.reportProgress(jobCtx, logger, j, tracker, sampler, phaseName, fraction)
		},
	)

	var failure error
	for _, phase := range d.worker.Phases() {
		if err := jobCtx.Err(); err != nil {
			failure = err
			break
		}
		phaseName = phase.Name
		if err := d.runPhase(jobCtx, logger, j, tracker, st, phase); err != nil {
			failure = err
			break
		}
	}

	d.settle(ctx, jobCtx, logger, j, st, tracker, failure, started)
}

// runPhase drives one phase to completion, retrying transient failures per
// the policy. Every transition is persisted before it is broadcast.
func (d *Dispatcher) runPhase(jobCtx context.Context, logger *slog.Logger, j *job.Job, tracker *progress.Tracker, st *pipeline.State, phase pipeline.Phase) error {
	logger = logger.With(logging.String(logging.FieldPhase, phase.Name))

	tracker.PhaseStart(phase.Name)
	if err := d.persistProgress(jobCtx, j, phase.Name, tracker.Value()); err != nil {
		return faults.Wrap(faults.ErrInternal, phase.Name, "persist", "failed to record phase start", err)
	}
	d.hub.Publish(events.PhaseUpdate(j))
	logger.Info("phase started",
		logging.String(logging.FieldEventType, "phase_start"))

	retries := 0
	for {
		attemptStart := time.Now()
		err := d.runAttempt(jobCtx, st, phase)
		if err == nil {
			tracker.PhaseDone(phase.Name)
			if perr := d.persistProgress(jobCtx, j, phase.Name, tracker.Value()); perr != nil {
				return faults.Wrap(faults.ErrInternal, phase.Name, "persist", "failed to record phase completion", perr)
			}
			d.hub.Publish(events.PhaseUpdate(j))
			logger.Info("phase completed",
				logging.String(logging.FieldEventType, "phase_complete"),
				logging.Duration("duration", time.Since(attemptStart)),
				logging.Float64("progress", tracker.Value()))
			return nil
		}

		if jobCtx.Err() != nil {
			// The phase surfaced our own cancellation; report it untouched
			// so settlement can tell cancel from failure.
			return jobCtx.Err()
		}

		kind := faults.Classify(err)
		decision := faults.Decide(kind, d.policy)

		switch decision.Action {
		case faults.ActionContinuePartial:
			// Phases record their own unresolved sub-items; the summary
			// message stands in only when one did not.
			if len(st.Result.Unresolved) == 0 {
				st.MarkUnresolved(faults.Message(err))
			}
			tracker.PhaseDone(phase.Name)
			if perr := d.persistProgress(jobCtx, j, phase.Name, tracker.Value()); perr != nil {
				return faults.Wrap(faults.ErrInternal, phase.Name, "persist", "failed to record phase completion", perr)
			}
			d.hub.Publish(events.PhaseUpdate(j))
			logger.Warn("phase completed with unresolved items",
				logging.String(logging.FieldEventType, "phase_partial"),
				logging.Int("unresolved", len(st.Result.Unresolved)),
				logging.Error(err))
			return nil

		case faults.ActionRetry:
			if retries >= decision.MaxAttempts {
				logger.Error("phase failed after exhausting retries",
					logging.String(logging.FieldEventType, "phase_failure"),
					logging.Int(logging.FieldAttempt, retries+1),
					logging.Error(err))
				return err
			}
			retries++
			j.Retries++
			if perr := d.store.Update(jobCtx, j); perr != nil {
				logger.Warn("failed to persist retry count", logging.Error(perr))
			}
			delay := decision.Policy.Delay(retries)
			logger.Warn("phase failed, retrying",
				logging.String(logging.FieldEventType, "phase_retry"),
				logging.Int(logging.FieldAttempt, retries),
				logging.Duration("backoff", delay),
				logging.Error(err))
			timer := time.NewTimer(delay)
			select {
			case <-jobCtx.Done():
				timer.Stop()
				return jobCtx.Err()
			case <-timer.C:
			}

		default:
			logger.Error("phase failed",
				logging.String(logging.FieldEventType, "phase_failure"),
				logging.String("kind", string(kind)),
				logging.Error(err))
			return err
		}
	}
}

// runAttempt runs the phase body under the per-phase timeout. An expired
// timeout classifies as transient, so the phase retries.
func (d *Dispatcher) runAttempt(jobCtx context.Context, st *pipeline.State, phase pipeline.Phase) error {
	attemptCtx := jobCtx
	if timeout := d.cfg.PhaseTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(jobCtx, timeout)
		defer cancel()
	}
	return phase.Run(attemptCtx, st)
}

// reportProgress handles a mid-phase fractional report from the worker. A
// persist failure downgrades the report to a log line so the broadcast never
// outruns the registry.
func (d *Dispatcher) reportProgress(jobCtx context.Context, logger *slog.Logger, j *job.Job, tracker *progress.Tracker, sampler *logging.ProgressSampler, phase string, fraction float64) {
	if jobCtx.Err() != nil {
		return
	}
	tracker.PhaseProgress(phase, fraction)
	if tracker.Value() == j.Progress && phase == j.Phase {
		return
	}
	if err := d.persistProgress(jobCtx, j, phase, tracker.Value()); err != nil {
		logger.Warn("failed to persist progress",
			logging.String(logging.FieldPhase, phase),
			logging.Error(err))
		return
	}
	d.hub.Publish(events.PhaseUpdate(j))
	if sampler.ShouldLog(j.Progress, phase) {
		logger.Debug("progress",
			logging.String(logging.FieldPhase, phase),
			logging.Float64("percent", j.Progress))
	}
}

func (d *Dispatcher) persistProgress(ctx context.Context, j *job.Job, phase string, value float64) error {
	j.SetProgress(phase, value)
	return d.store.Update(ctx, j)
}

// settle writes the final status, caches the payload, publishes the
// settlement event, and fires the webhook. poolCtx cancellation means
// shutdown: the job stays running in the registry and requeues on the next
// start.
func (d *Dispatcher) settle(poolCtx, jobCtx context.Context, logger *slog.Logger, j *job.Job, st *pipeline.State, tracker *progress.Tracker, failure error, started time.Time) {
	if poolCtx.Err() != nil {
		logger.Info("execution interrupted by shutdown, job will requeue",
			logging.String(logging.FieldEventType, "job_interrupted"),
			logging.String(logging.FieldPhase, j.Phase))
		return
	}

	switch {
	case failure == nil:
		st.Result.StrategyVersion = j.StrategyVersion
		st.Result.GeneratedAt = time.Now().UTC()
		payload, err := json.Marshal(st.Result)
		if err != nil {
			j.SetFailed(string(faults.KindInternal), "failed to encode result payload: "+err.Error())
			break
		}
		j.ResultJSON = string(payload)
		j.Cacheable = st.Cacheable
		if len(st.Result.Unresolved) > 0 {
			j.SetPartial(st.Result.Unresolved)
			j.SetProgress(j.Phase, tracker.Value())
		} else {
			j.SetDone()
		}

	case jobCtx.Err() != nil:
		j.SetCanceled()

	default:
		kind := faults.Classify(failure)
		if kind == faults.KindTransient {
			// A transient error only reaches settlement with its retry
			// budget spent.
			kind = faults.KindTransientExhausted
		}
		j.SetFailed(string(kind), faults.Message(failure))
	}

	if err := d.store.Update(poolCtx, j); err != nil {
		logger.Error("failed to persist settlement",
			logging.String(logging.FieldStatus, string(j.Status)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "job requeues as running on next start"))
		return
	}

	if (j.Status == job.StatusDone || j.Status == job.StatusPartial) && j.Cacheable {
		entry := cache.Entry{
			Fingerprint:     j.Fingerprint,
			Key:             fingerprint.CacheKey(j.SubjectID, j.StrategyVersion, j.Params),
			SubjectID:       j.SubjectID,
			StrategyVersion: j.StrategyVersion,
			Payload:         json.RawMessage(j.ResultJSON),
		}
		if err := d.cache.Put(entry); err != nil {
			logger.Warn("failed to cache result", logging.Error(err))
		}
	}

	d.hub.Publish(events.Settled(j))
	d.notifySettled(poolCtx, j)

	logger.Info("job settled",
		logging.String(logging.FieldStatus, string(j.Status)),
		logging.String(logging.FieldEventType, "job_settled"),
		logging.Float64("progress", j.Progress),
		logging.Duration("duration", time.Since(started)))
}
