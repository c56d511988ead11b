// Package supervisor owns the agent worker pool and the intake gate in front
// of the queue. Crashed workers are relaunched after a fixed delay, and intake
// is paused for a cooldown window after a run of consecutive infrastructure
// failures so a dead store or queue is not hammered with new documents.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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
	"referral-engine/internal/worker"
)

// ErrIntakePaused is returned by Enqueue while the supervisor is backing off
// from infrastructure failures. Callers should surface it as a retryable
// rejection, not as a document failure.
var ErrIntakePaused = errors.New("intake paused after repeated infrastructure errors")

// Deps carries the shared collaborators handed to every worker in the pool.
type Deps struct {
	Queue     *queue.RedisQueue
	Store     store.StatusStore
	Payloads  payload.Store
	Extractor extract.Extractor
	Policy    validate.Policy
	Syncer    emr.Syncer
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Retry    int64 `json:"retry"`
	Dead     int64 `json:"dead"`
	Paused   bool  `json:"intake_paused"`
}

// Supervisor accepts documents into the workflow and keeps the worker pool
// alive. It also implements worker.InfraMonitor so worker-side infrastructure
// failures feed the same pause gate as intake-side ones.
type Supervisor struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger

	mu          sync.Mutex
	consecInfra int
	pausedUntil time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg config.Config, deps Deps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, deps: deps, log: logger}
}

// Start launches the worker pool and returns immediately. Stop blocks until
// every worker has finished its current document.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	base := workerIDBase()
	count := s.cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-%d", base, i)
		g.Go(func() error { return s.supervise(gctx, id) })
	}
	s.log.Info("supervisor.started", "workers", count, "restart_delay", s.cfg.RestartDelay)
}

// Stop cancels the pool and waits for the workers to exit.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	_ = s.group.Wait()
	s.log.Info("supervisor.stopped")
}

// supervise keeps one worker slot occupied, relaunching after a crash.
func (s *Supervisor) supervise(ctx context.Context, id string) error {
	for {
		err := s.runWorker(ctx, id)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error("supervisor.worker.crashed",
			"worker_id", id, "error", err, "restart_in", s.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RestartDelay):
		}
	}
}

func (s *Supervisor) runWorker(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	w := worker.New(s.cfg, worker.Deps{
		Queue:     s.deps.Queue,
		Store:     s.deps.Store,
		Payloads:  s.deps.Payloads,
		Extractor: s.deps.Extractor,
		Policy:    s.deps.Policy,
		Syncer:    s.deps.Syncer,
		Notifier:  s.deps.Notifier,
		Monitor:   s,
		Logger:    s.deps.Logger,
		ID:        id,
	})
	return w.Run(ctx)
}

// Enqueue registers a new document and queues it for processing. The status
// record lands before the task so a worker can never dequeue an unknown
// document.
func (s *Supervisor) Enqueue(ctx context.Context, docID, filename, payloadRef string) (models.StatusRecord, error) {
	if s.IntakePaused() {
		return models.StatusRecord{}, ErrIntakePaused
	}
	now := time.Now().UTC()
	rec := models.StatusRecord{
		DocumentID:  docID,
		State:       models.StateQueued,
		Filename:    filename,
		PayloadRef:  payloadRef,
		MaxAttempts: s.cfg.MaxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.Put(ctx, rec); err != nil {
		s.RecordInfraError()
		return models.StatusRecord{}, fmt.Errorf("persist status: %w", err)
	}
	task := models.Task{DocumentID: docID, PayloadRef: payloadRef, EnqueuedAt: now}
	if err := s.deps.Queue.Enqueue(ctx, task); err != nil {
		s.RecordInfraError()
		return models.StatusRecord{}, fmt.Errorf("enqueue task: %w", err)
	}
	s.RecordRecovery()
	telemetry.EnqueueCounter.Inc()
	s.log.Info("supervisor.enqueued", "document_id", docID, "filename", filename)
	return rec, nil
}

// Status returns the record for one document.
func (s *Supervisor) Status(ctx context.Context, docID string) (models.StatusRecord, error) {
	return s.deps.Store.Get(ctx, docID)
}

// AllStatuses returns every record, newest first.
func (s *Supervisor) AllStatuses(ctx context.Context) ([]models.StatusRecord, error) {
	return s.deps.Store.List(ctx)
}

// QueueStats reports queue depths and whether intake is currently paused.
func (s *Supervisor) QueueStats(ctx context.Context) (Stats, error) {
	ready, err := s.deps.Queue.Depth(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue depth: %w", err)
	}
	inflight, err := s.deps.Queue.InFlight(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue inflight: %w", err)
	}
	retry, err := s.deps.Queue.RetryDepth(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue retry depth: %w", err)
	}
	dead, err := s.deps.Queue.DeadDepth(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue dead depth: %w", err)
	}
	return Stats{
		Ready:    ready,
		InFlight: inflight,
		Retry:    retry,
		Dead:     dead,
		Paused:   s.IntakePaused(),
	}, nil
}

// DeadLetters returns up to n document IDs parked in the dead letter queue.
func (s *Supervisor) DeadLetters(ctx context.Context, n int64) ([]string, error) {
	return s.deps.Queue.PeekDead(ctx, n)
}

// RecordInfraError implements worker.InfraMonitor. Crossing the configured
// threshold of consecutive failures pauses intake for the cooldown window.
func (s *Supervisor) RecordInfraError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecInfra++
	threshold := s.cfg.PauseAfterInfraErrors
	if threshold <= 0 || s.consecInfra < threshold {
		return
	}
	now := time.Now()
	if now.Before(s.pausedUntil) {
		return
	}
	s.pausedUntil = now.Add(s.cfg.PauseCooldown)
	s.log.Warn("supervisor.intake.paused",
		"consecutive_errors", s.consecInfra, "cooldown", s.cfg.PauseCooldown)
}

// RecordRecovery implements worker.InfraMonitor. Any healthy store/queue
// round trip clears the failure streak and lifts an active pause.
func (s *Supervisor) RecordRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecInfra = 0
	if time.Now().Before(s.pausedUntil) {
		s.log.Info("supervisor.intake.resumed")
	}
	s.pausedUntil = time.Time{}
}

// IntakePaused reports whether Enqueue is currently rejecting documents.
func (s *Supervisor) IntakePaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.pausedUntil)
}

func workerIDBase() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
