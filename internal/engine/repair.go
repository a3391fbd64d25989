package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
)

const repairBatchSize = 100

// RepairService finds work that got lost between the stores and the queue:
// PENDING jobs that were never delivered, and steps left PROCESSING by a crashed process.
type RepairService struct {
	sequencer      *Sequencer
	interval       time.Duration
	staleAfter     time.Duration
	abandonedAfter time.Duration
}

func NewRepairService(sequencer *Sequencer, interval, staleAfter, abandonedAfter time.Duration) *RepairService {
	return &RepairService{
		sequencer:      sequencer,
		interval:       interval,
		staleAfter:     staleAfter,
		abandonedAfter: abandonedAfter,
	}
}

// Run repairs on every interval until ctx is cancelled.
func (r *RepairService) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Starting step repair service", "interval", r.interval.String(),
		"stale_after", r.staleAfter.String(), "abandoned_after", r.abandonedAfter.String())
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Step repair service stopping due to context cancel")
			return
		case <-r.sequencer.clock.After(r.interval):
			r.RepairOnce(ctx)
		}
	}
}

// RepairOnce runs a single repair pass.
func (r *RepairService) RepairOnce(ctx context.Context) {
	if err := r.requeueStaleJobs(ctx); err != nil {
		slog.ErrorContext(ctx, "Error repairing stale jobs", "error", err)
	}
	if err := r.failAbandonedSteps(ctx); err != nil {
		slog.ErrorContext(ctx, "Error repairing abandoned steps", "error", err)
	}
}

func (r *RepairService) requeueStaleJobs(ctx context.Context) error {
	s := r.sequencer
	now := s.clock.Now()
	jobs, err := s.jobs.FindStalePending(ctx, now.Add(-r.staleAfter), repairBatchSize)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		var payload domain.JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			slog.WarnContext(ctx, "Failing job with unreadable payload", "job_id", job.ID, "error", err)
			_ = s.jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("invalid job payload: %v", err), now)
			continue
		}
		step, err := s.steps.FindByID(ctx, payload.StepID)
		if errors.Is(err, domain.ErrStepNotFound) {
			_ = s.jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("Step %s not found", payload.StepID), now)
			continue
		}
		if err != nil {
			return err
		}
		if step.JobID.String != job.ID {
			slog.WarnContext(ctx, "Failing superseded job", "job_id", job.ID, "step_id", step.ID, "current_job_id", step.JobID.String)
			_ = s.jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("job superseded by %s", step.JobID.String), now)
			continue
		}
		if step.Status != domain.StepStatusPending {
			// a PROCESSING step is handled by failAbandonedSteps
			continue
		}

		slog.WarnContext(ctx, "Repairing stale step job", "job_id", job.ID, "step_id", step.ID, "step_number", step.StepNumber)
		if err := s.queue.Enqueue(ctx, messageFor(job.ID, step, payload.AllStepIDs)); err != nil {
			return fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		if err := s.jobs.Touch(ctx, job.ID, now); err != nil {
			slog.ErrorContext(ctx, "Failed to touch repaired job", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

func (r *RepairService) failAbandonedSteps(ctx context.Context) error {
	s := r.sequencer
	steps, err := s.steps.FindStuckProcessing(ctx, s.clock.Now().Add(-r.abandonedAfter), repairBatchSize)
	if err != nil {
		return err
	}
	for _, step := range steps {
		slog.WarnContext(ctx, "Repairing abandoned step", "step_id", step.ID, "started_at", step.StartedAt.Time)
		if _, err := s.failStep(ctx, step, errors.New("step abandoned")); err != nil {
			return err
		}
	}
	return nil
}
