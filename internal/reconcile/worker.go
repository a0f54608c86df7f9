package reconcile

import (
	"context"
	"log/slog"
	"sync"
)

type Job struct {
	Reference string
}

// Worker takes jobs handed over by the dispatcher. It re-registers its job
// channel in the pool after every job.
type Worker struct {
	ID         int
	WorkerPool chan chan Job
	JobChannel chan Job
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan Job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan Job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, process func(context.Context, Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("reconcile worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("reconcile worker processing job", "worker_id", w.ID, "reference", job.Reference)
				process(ctx, job)
			case <-ctx.Done():
				w.Logger.Debug("reconcile worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}
