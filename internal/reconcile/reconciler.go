package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/payment"
)

// Verifier is the slice of the payment service the reconciler drives.
type Verifier interface {
	StalePayments(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	VerifyPayment(ctx context.Context, ref string) (*payment.VerifyResult, error)
}

type Recorder interface {
	RecordReconcile(outcome string)
}

type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	MaxWorkers int
	QueueSize  int
}

// Reconciler periodically re-verifies pending payments whose notification
// never arrived, through a bounded worker pool.
type Reconciler struct {
	verifier Verifier
	recorder Recorder
	config   Config
	logger   *slog.Logger

	jobQueue   chan Job
	workerPool chan chan Job

	mu       sync.Mutex
	inflight map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewReconciler(verifier Verifier, config Config, logger *slog.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 15 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.BatchSize
	}

	return &Reconciler{
		verifier:   verifier,
		config:     config,
		logger:     logger,
		jobQueue:   make(chan Job, config.QueueSize),
		workerPool: make(chan chan Job, config.MaxWorkers),
		inflight:   make(map[string]struct{}),
	}
}

func (r *Reconciler) WithRecorder(recorder Recorder) *Reconciler {
	r.recorder = recorder
	return r
}

// Start launches the workers, the dispatcher and the ticker loop. It returns
// immediately; Shutdown stops everything.
func (r *Reconciler) Start(ctx context.Context) {
	r.once.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)

		for i := 0; i < r.config.MaxWorkers; i++ {
			NewWorker(i, r.workerPool, r.logger).Start(ctx, &r.wg, r.process)
		}

		r.wg.Add(2)
		go r.dispatch(ctx)
		go r.loop(ctx)

		r.logger.Info("reconcile worker pool started",
			"max_workers", r.config.MaxWorkers,
			"queue_size", cap(r.jobQueue),
			"interval", r.config.Interval.String(),
			"stale_after", r.config.StaleAfter.String())
	})
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("reconcile scan failed", "error", err)
	}
}

// RunOnce queues every stale payment not already in flight and returns how
// many were queued.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	refs, err := r.verifier.StalePayments(ctx, r.config.StaleAfter, r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, ref := range refs {
		if !r.claim(ref) {
			continue
		}
		select {
		case r.jobQueue <- Job{Reference: ref}:
			queued++
		default:
			r.release(ref)
			r.logger.Warn("reconcile queue full, deferring to next scan",
				"reference", ref,
				"queue_capacity", cap(r.jobQueue))
			return queued, nil
		}
	}

	if queued > 0 {
		r.logger.Info("stale payments queued for verification", "count", queued)
	}
	return queued, nil
}

// Drain verifies queued jobs on the calling goroutine until the queue is
// empty or ctx ends. Used for one-shot runs without the pool.
func (r *Reconciler) Drain(ctx context.Context) {
	for {
		select {
		case job := <-r.jobQueue:
			r.process(ctx, job)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (r *Reconciler) dispatch(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case job := <-r.jobQueue:
			select {
			case jobChannel := <-r.workerPool:
				select {
				case jobChannel <- job:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			r.logger.Info("reconcile dispatcher shutting down")
			return
		}
	}
}

func (r *Reconciler) process(ctx context.Context, job Job) {
	defer r.release(job.Reference)

	result, err := r.verifier.VerifyPayment(ctx, job.Reference)
	switch {
	case err == nil && result.Changed:
		r.record("updated")
		r.logger.Info("stale payment reconciled", "reference", job.Reference, "status", result.Status)
	case err == nil:
		r.record("unchanged")
	case internal.IsType(err, internal.ErrorTypeNotFound):
		r.record("not_found")
		r.logger.Warn("stale payment unknown to gateway", "reference", job.Reference)
	default:
		r.record("error")
		r.logger.Error("stale payment verification failed", "reference", job.Reference, "error", err)
	}
}

func (r *Reconciler) claim(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[ref]; busy {
		return false
	}
	r.inflight[ref] = struct{}{}
	return true
}

func (r *Reconciler) release(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, ref)
}

func (r *Reconciler) record(outcome string) {
	if r.recorder != nil {
		r.recorder.RecordReconcile(outcome)
	}
}

func (r *Reconciler) Shutdown() {
	r.logger.Info("shutting down reconcile worker pool")
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reconcile worker pool shutdown complete")
}
