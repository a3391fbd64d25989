package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
)

func newDequeueBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

// Worker function that processes step jobs from the queue until ctx is cancelled
func Worker(ctx context.Context, id int, queue WorkQueue, sequencer *Sequencer, clock core.Clock) {
	ctx = context.WithValue(ctx, core.CtxKeyWorkerId, id)
	retry := newDequeueBackoff()

	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Worker stopping due to context cancel", "worker_id", id)
			return
		}
		msg, err := queue.Dequeue(ctx) // blocks until a job arrives
		if err != nil {
			if ctx.Err() != nil {
				slog.InfoContext(ctx, "Worker stopping due to context cancel", "worker_id", id)
				return
			}
			wait := retry.NextBackOff()
			slog.ErrorContext(ctx, "Error reading from step queue", "worker_id", id, "error", err, "retry_in", wait.String())
			select {
			case <-ctx.Done():
				return
			case <-clock.After(wait):
			}
			continue
		}
		retry.Reset()
		if msg == nil {
			continue
		}

		slog.InfoContext(ctx, "Worker starting step job", "worker_id", id, "job_id", msg.JobID, "step_id", msg.StepID)
		if err := sequencer.ProcessStepJob(ctx, *msg); err != nil {
			slog.ErrorContext(ctx, "Error processing step job", "worker_id", id, "job_id", msg.JobID, "step_id", msg.StepID, "error", err)
			continue
		}
		slog.InfoContext(ctx, "Worker finished step job", "worker_id", id, "job_id", msg.JobID)
	}
}

// RunWorkers starts size workers on the queue and blocks until they have all stopped.
func RunWorkers(ctx context.Context, size int, queue WorkQueue, sequencer *Sequencer, clock core.Clock) error {
	if size <= 0 {
		size = 1
	}
	slog.InfoContext(ctx, "Starting step workers", "workers", size)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			Worker(ctx, i, queue, sequencer, clock)
			return nil
		})
	}
	return g.Wait()
}
