// Package worker runs the document pipeline: claim a task, extract fields,
// validate them, and route the outcome to the EMR or to a missing-info email.
// Every state change is persisted before the phase it announces begins, so a
// crash can never leave the status record ahead of reality.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"referral-engine/internal/config"
	"referral-engine/internal/emr"
	"referral-engine/internal/extract"
	"referral-engine/internal/models"
	"referral-engine/internal/notify"
	"referral-engine/internal/payload"
	"referral-engine/internal/queue"
	"referral-engine/internal/store"
	"referral-engine/internal/telemetry"
	"referral-engine/internal/validate"
)

// InfraMonitor observes transient infrastructure failures hit by workers. The
// supervisor uses it to pause intake when Redis or Postgres look unhealthy.
type InfraMonitor interface {
	RecordInfraError()
	RecordRecovery()
}

type nopMonitor struct{}

func (nopMonitor) RecordInfraError() {}
func (nopMonitor) RecordRecovery()  {}

// infraError marks a failure of the engine's own plumbing (payload or status
// store) during an attempt; it is never charged against a document's budget.
type infraError struct {
	op  string
	err error
}

func (e *infraError) Error() string { return e.op + ": " + e.err.Error() }

// Deps collects the worker's collaborators.
type Deps struct {
	Queue     *queue.RedisQueue
	Store     store.StatusStore
	Payloads  payload.Store
	Extractor extract.Extractor
	Policy    validate.Policy
	Syncer    emr.Syncer
	Notifier  notify.Notifier
	Monitor   InfraMonitor
	Logger    *slog.Logger
	ID        string
}

// Worker drives the processing loop for one goroutine of the pool.
type Worker struct {
	cfg          config.Config
	queue        *queue.RedisQueue
	store        store.StatusStore
	payloads     payload.Store
	extractor    extract.Extractor
	policy       validate.Policy
	syncer       emr.Syncer
	notifier     notify.Notifier
	monitor      InfraMonitor
	log          *slog.Logger
	id           string
	pollInterval time.Duration
}

func New(cfg config.Config, deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = nopMonitor{}
	}
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		cfg:          cfg,
		queue:        deps.Queue,
		store:        deps.Store,
		payloads:     deps.Payloads,
		extractor:    deps.Extractor,
		policy:       deps.Policy,
		syncer:       deps.Syncer,
		notifier:     deps.Notifier,
		monitor:      monitor,
		log:          logger.With("worker_id", deps.ID),
		id:           deps.ID,
		pollInterval: poll,
	}
}

// Run polls for tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.maintain(ctx)

		task, err := w.queue.DequeueWithLease(ctx)
		if err != nil {
			w.monitor.RecordInfraError()
			telemetry.InfraErrCounter.Inc()
			w.log.Warn("worker.dequeue.failed", "error", err)
			time.Sleep(w.pollInterval)
			continue
		}
		if task.DocumentID == "" {
			time.Sleep(w.pollInterval)
			continue
		}

		w.process(ctx, task)
	}
}

// maintain promotes due retries, reclaims expired leases, and refreshes the
// queue depth gauge. Reclaimed documents get their requeue recorded so the
// status history stays a walk over declared transitions.
func (w *Worker) maintain(ctx context.Context) {
	_, _ = w.queue.PromoteRetries(ctx, time.Now(), int64(w.cfg.RetryBatchSize))

	if reclaimed, _ := w.queue.ReclaimExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			rec, err := w.store.Get(ctx, id)
			if err != nil || rec.State.Terminal() || rec.State == models.StateQueued {
				continue
			}
			rec.State = models.StateQueued
			_ = w.store.Put(ctx, rec)
			w.log.Warn("worker.lease.reclaimed", "document_id", id)
		}
	}

	if depth, err := w.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (w *Worker) process(ctx context.Context, task models.Task) {
	log := w.log.With("document_id", task.DocumentID)

	rec, err := w.store.Get(ctx, task.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No record means no one can observe this task's outcome.
			log.Warn("worker.task.orphaned")
			_ = w.queue.Ack(ctx, task.DocumentID)
			return
		}
		w.infraFailure(ctx, task.DocumentID, log, "load status record", err)
		return
	}
	w.monitor.RecordRecovery()

	if rec.State.Terminal() {
		// Redelivery of work that finished before its ack landed.
		log.Info("worker.task.already_done", "state", rec.State)
		_ = w.queue.Ack(ctx, task.DocumentID)
		return
	}

	// A record claimed mid-pipeline (crash, release) re-enters through Queued
	// so its history only ever walks declared transitions.
	if rec.State != models.StateQueued {
		if err := w.transition(ctx, &rec, models.StateQueued); err != nil {
			w.handleFailure(ctx, &rec, err, log)
			return
		}
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := w.attempt(ctx, &rec, log); err != nil {
		w.handleFailure(ctx, &rec, err, log)
	}
}

// attempt runs one full pass of the pipeline over the document.
func (w *Worker) attempt(ctx context.Context, rec *models.StatusRecord, log *slog.Logger) error {
	if err := w.transition(ctx, rec, models.StateExtracting); err != nil {
		return err
	}

	body, err := w.payloads.Get(ctx, rec.PayloadRef)
	if err != nil {
		return &infraError{op: "fetch payload", err: err}
	}

	_ = w.queue.ExtendLease(ctx, rec.DocumentID, w.cfg.VisibilityTimeout)
	fields, err := w.extractor.Extract(ctx, rec.Filename, body)
	if err != nil {
		return err
	}

	rec.Fields = fields
	if err := w.transition(ctx, rec, models.StateValidating); err != nil {
		return err
	}

	res := w.policy.Check(fields)
	if res.Complete {
		rec.MissingFields = nil
		if err := w.transition(ctx, rec, models.StateSyncing); err != nil {
			return err
		}
		_ = w.queue.ExtendLease(ctx, rec.DocumentID, w.cfg.VisibilityTimeout)
		if err := w.syncer.Sync(ctx, rec.DocumentID, fields); err != nil {
			return fmt.Errorf("emr sync: %w", err)
		}
		telemetry.SyncedCounter.Inc()
		return w.finish(ctx, rec, models.StateSynced, log)
	}

	// Incomplete extraction is a normal outcome, not a failure.
	rec.MissingFields = res.Missing
	if err := w.transition(ctx, rec, models.StateNotifying); err != nil {
		return err
	}
	_ = w.queue.ExtendLease(ctx, rec.DocumentID, w.cfg.VisibilityTimeout)
	if err := w.notifier.RequestMissingInfo(ctx, *rec, res.Missing); err != nil {
		return fmt.Errorf("missing info notification: %w", err)
	}
	telemetry.NotifiedCounter.Inc()
	return w.finish(ctx, rec, models.StateAwaitingInfo, log)
}

// finish writes the terminal state, then acks. Ordering matters: once the
// terminal write lands, a lost ack only costs a redelivered no-op.
func (w *Worker) finish(ctx context.Context, rec *models.StatusRecord, terminal models.State, log *slog.Logger) error {
	rec.LastError = nil
	rec.LastErrorKind = ""
	if err := w.transition(ctx, rec, terminal); err != nil {
		return err
	}
	if err := w.queue.Ack(ctx, rec.DocumentID); err != nil {
		log.Warn("worker.ack.failed", "error", err)
	}
	log.Info("worker.done", "state", terminal, "attempts", rec.Attempts)
	return nil
}

// transition validates the edge, then persists the full record in the new
// state before the caller proceeds.
func (w *Worker) transition(ctx context.Context, rec *models.StatusRecord, to models.State) error {
	if !rec.State.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for document %s", rec.State, to, rec.DocumentID)
	}
	rec.State = to
	if err := w.store.Put(ctx, *rec); err != nil {
		return &infraError{op: "persist state " + string(to), err: err}
	}
	return nil
}

func (w *Worker) handleFailure(ctx context.Context, rec *models.StatusRecord, cause error, log *slog.Logger) {
	var ie *infraError
	if errors.As(cause, &ie) {
		w.infraFailure(ctx, rec.DocumentID, log, ie.op, ie.err)
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-attempt; hand the task back without consuming budget.
		_ = w.queue.Release(context.Background(), rec.DocumentID)
		log.Info("worker.shutdown.release")
		return
	}

	kind := classify(cause)
	rec.Attempts++
	msg := cause.Error()
	rec.LastError = &msg
	rec.LastErrorKind = kind

	budget := rec.MaxAttempts
	if budget <= 0 {
		budget = w.cfg.MaxAttempts
	}

	if rec.Attempts >= budget {
		if err := w.transition(ctx, rec, models.StateFailed); err != nil {
			w.infraFailure(ctx, rec.DocumentID, log, "persist failed state", err)
			return
		}
		_ = w.queue.Ack(ctx, rec.DocumentID)
		_ = w.queue.PushDead(ctx, rec.DocumentID)
		telemetry.FailedCounter.Inc()
		log.Error("worker.exhausted", "kind", kind, "attempts", rec.Attempts, "error", msg)
		return
	}

	backoff := backoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, rec.Attempts)
	if err := w.transition(ctx, rec, models.StateQueued); err != nil {
		w.infraFailure(ctx, rec.DocumentID, log, "persist retry state", err)
		return
	}
	if err := w.queue.ScheduleRetry(ctx, rec.DocumentID, rec.Attempts, time.Now().Add(backoff)); err != nil {
		w.infraFailure(ctx, rec.DocumentID, log, "schedule retry", err)
		return
	}
	telemetry.RetryCounter.Inc()
	log.Warn("worker.retry", "kind", kind, "attempts", rec.Attempts, "backoff", backoff.String(), "error", msg)
}

// infraFailure releases the task for immediate redelivery and backs off one
// poll interval. The engine's own plumbing being down is never charged
// against a document's budget.
func (w *Worker) infraFailure(ctx context.Context, docID string, log *slog.Logger, op string, err error) {
	w.monitor.RecordInfraError()
	telemetry.InfraErrCounter.Inc()
	log.Warn("worker.infra_error", "op", op, "error", err)
	// ctx may already be cancelled during shutdown; release must still land.
	if rErr := w.queue.Release(context.Background(), docID); rErr != nil {
		log.Warn("worker.release.failed", "error", rErr)
	}
	time.Sleep(w.pollInterval)
}

// classify maps an attempt failure to the kind recorded on the status record.
// Anything that is not an extraction failure came from an outcome delivery.
func classify(err error) models.ErrorKind {
	var xerr *extract.Error
	if errors.As(err, &xerr) {
		return models.ErrKindExtraction
	}
	return models.ErrKindDelivery
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(half)))
	return half + jitter
}
