package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
)

const DefaultStepTimeout = 10 * time.Minute

// Sequencer creates step sequences and moves them forward one step at a time.
// It is safe to call from request handlers and queue workers at the same time, the
// conditional PENDING -> PROCESSING claim in the step store decides who runs a step.
type Sequencer struct {
	steps       StepRepo
	jobs        JobRepo
	queue       WorkQueue
	notifier    Notifier
	registry    *core.HandlerRegistry
	clock       core.Clock
	stepTimeout time.Duration
	tracer      trace.Tracer
}

func NewSequencer(steps StepRepo, jobs JobRepo, queue WorkQueue, notifier Notifier,
	registry *core.HandlerRegistry, clock core.Clock, stepTimeout time.Duration) *Sequencer {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Sequencer{
		steps:       steps,
		jobs:        jobs,
		queue:       queue,
		notifier:    notifier,
		registry:    registry,
		clock:       clock,
		stepTimeout: stepTimeout,
		tracer:      otel.Tracer("stepflow/engine"),
	}
}

// Registry exposes the handler registry for the API layer.
func (s *Sequencer) Registry() *core.HandlerRegistry {
	return s.registry
}

// CreateSequence persists one PENDING step per type, in order, and schedules the first one.
func (s *Sequencer) CreateSequence(ctx context.Context, stepTypes []domain.StepType, userID string, data json.RawMessage) ([]string, error) {
	if len(stepTypes) == 0 {
		return []string{}, nil
	}
	sequenceID := uuid.NewString()
	now := s.clock.Now()

	steps := make([]*domain.Step, 0, len(stepTypes))
	stepIDs := make([]string, 0, len(stepTypes))
	for i, stepType := range stepTypes {
		step := &domain.Step{
			ID:         uuid.NewString(),
			Type:       stepType,
			Status:     domain.StepStatusPending,
			StepNumber: i + 1,
			SequenceID: sequenceID,
			UserID:     userID,
			Data:       data,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		steps = append(steps, step)
		stepIDs = append(stepIDs, step.ID)
	}
	if err := s.steps.CreateMany(ctx, steps); err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}
	slog.InfoContext(ctx, "Created step sequence", "sequence_id", sequenceID, "user_id", userID, "steps", len(steps))

	if _, err := s.launchNext(ctx, stepIDs); err != nil {
		return stepIDs, err
	}
	return stepIDs, nil
}

// ProcessStepJob is called by queue workers for every dequeued message. Failures of the step
// itself are persisted and not returned; an error means the stores could not be updated.
func (s *Sequencer) ProcessStepJob(ctx context.Context, msg models.StepJobMessage) error {
	step, err := s.steps.FindByID(ctx, msg.StepID)
	if errors.Is(err, domain.ErrStepNotFound) {
		message := fmt.Sprintf("Step %s not found", msg.StepID)
		slog.ErrorContext(ctx, "Step for job not found", "step_id", msg.StepID, "job_id", msg.JobID)
		if err := s.jobs.MarkFailed(ctx, msg.JobID, message, s.clock.Now()); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	stepIDs := msg.StepIDs
	if len(stepIDs) == 0 {
		if stepIDs, err = s.sequenceStepIDs(ctx, step.SequenceID); err != nil {
			return err
		}
	}

	_, err = s.executeStep(ctx, step, stepIDs)
	if errors.Is(err, ErrStepNotClaimable) {
		slog.InfoContext(ctx, "Skipping step job, step already taken", "step_id", step.ID, "job_id", msg.JobID, "status", step.Status)
		return nil
	}
	return err
}

// RetryStep puts a FAILED step back to PENDING and schedules it with a new job.
func (s *Sequencer) RetryStep(ctx context.Context, stepID string) (*models.RetryStepResponse, error) {
	step, err := s.steps.FindByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.Status != domain.StepStatusFailed {
		return nil, fmt.Errorf("%w: step %s is %s, only FAILED steps can be retried", ErrInvalidState, stepID, step.Status)
	}

	now := s.clock.Now()
	reset, err := s.steps.ResetToPending(ctx, stepID, now)
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, fmt.Errorf("%w: step %s changed status during retry", ErrInvalidState, stepID)
	}
	step.Status = domain.StepStatusPending
	step.StartedAt = sql.NullTime{}
	step.CompletedAt = sql.NullTime{}
	step.UpdatedAt = now
	s.notify(ctx, step)
	slog.InfoContext(ctx, "Step reset for retry", "step_id", stepID, "sequence_id", step.SequenceID)

	stepIDs, err := s.sequenceStepIDs(ctx, step.SequenceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.launchNext(ctx, stepIDs); err != nil {
		return nil, err
	}
	return &models.RetryStepResponse{Success: true, Message: "Step retry initiated"}, nil
}

// GetSequenceStatus summarises the given steps. Unknown ids are ignored, ErrStepNotFound is
// returned only when none of them exist.
func (s *Sequencer) GetSequenceStatus(ctx context.Context, stepIDs []string) (*models.SequenceStatus, error) {
	steps, err := s.steps.FindManyByIDs(ctx, stepIDs)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: none of %v", domain.ErrStepNotFound, stepIDs)
	}

	var jobIDs []string
	for _, step := range steps {
		if step.JobID.Valid {
			jobIDs = append(jobIDs, step.JobID.String)
		}
	}
	jobs, err := s.jobs.FindManyByIDs(ctx, jobIDs)
	if err != nil {
		return nil, err
	}
	jobStatus := make(map[string]domain.JobStatus, len(jobs))
	for _, job := range jobs {
		jobStatus[job.ID] = job.Status
	}

	status := &models.SequenceStatus{TotalSteps: len(steps), Steps: make([]models.StepSummary, 0, len(steps))}
	for _, step := range steps {
		switch step.Status {
		case domain.StepStatusCompleted:
			status.CompletedSteps++
		case domain.StepStatusFailed:
			status.FailedSteps++
		case domain.StepStatusPending:
			status.PendingSteps++
		case domain.StepStatusProcessing:
			status.ProcessingSteps++
			if status.CurrentStep == nil {
				current := models.MapStepToResponse(step)
				status.CurrentStep = &current
			}
		}
		resp := models.MapStepToResponse(step)
		status.Steps = append(status.Steps, models.StepSummary{
			ID:          step.ID,
			StepNumber:  step.StepNumber,
			Type:        step.Type,
			Status:      step.Status,
			StartedAt:   resp.StartedAt,
			CompletedAt: resp.CompletedAt,
			JobID:       resp.JobID,
			JobStatus:   jobStatus[resp.JobID],
		})
	}
	return status, nil
}

// ListSequence returns every step of a sequence ordered by step number.
func (s *Sequencer) ListSequence(ctx context.Context, sequenceID string) ([]*domain.Step, error) {
	steps, err := s.steps.FindBySequenceID(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: sequence %s", domain.ErrStepNotFound, sequenceID)
	}
	return steps, nil
}

// ProcessNextStep runs the next eligible step synchronously, bypassing the queue.
// It returns nil when the sequence has nothing left to run.
func (s *Sequencer) ProcessNextStep(ctx context.Context, stepIDs []string) (*domain.Step, error) {
	steps, err := s.steps.FindManyByIDs(ctx, stepIDs)
	if err != nil {
		return nil, err
	}
	next := findNextStep(steps)
	if next == nil {
		return nil, nil
	}
	return s.executeStep(ctx, next, stepIDs)
}

// findNextStep returns the first PENDING step whose predecessors all COMPLETED.
// A FAILED or PROCESSING step before it means the sequence cannot move.
func findNextStep(steps []*domain.Step) *domain.Step {
	for _, step := range steps {
		switch step.Status {
		case domain.StepStatusCompleted:
			continue
		case domain.StepStatusPending:
			return step
		default:
			return nil
		}
	}
	return nil
}

// launchNext creates a job for the next step of the sequence and enqueues it. A failed enqueue
// is only logged, the job stays PENDING and the repair service picks it up.
func (s *Sequencer) launchNext(ctx context.Context, stepIDs []string) (*domain.Step, error) {
	steps, err := s.steps.FindManyByIDs(ctx, stepIDs)
	if err != nil {
		return nil, err
	}
	next := findNextStep(steps)
	if next == nil {
		slog.DebugContext(ctx, "No next step to launch", "steps", len(stepIDs))
		return nil, nil
	}

	payload, err := json.Marshal(domain.JobPayload{
		StepID:     next.ID,
		StepNumber: next.StepNumber,
		StepType:   next.Type,
		AllStepIDs: stepIDs,
	})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Type:      domain.JobTypeForStep(next.Type),
		Status:    domain.JobStatusPending,
		Payload:   payload,
		UserID:    next.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job for step %s: %w", next.ID, err)
	}
	if err := s.steps.AssignJob(ctx, next.ID, job.ID, now); err != nil {
		return nil, err
	}
	next.JobID = sql.NullString{String: job.ID, Valid: true}

	if err := s.queue.Enqueue(ctx, messageFor(job.ID, next, stepIDs)); err != nil {
		slog.ErrorContext(ctx, "Failed to enqueue step job, leaving it for repair", "step_id", next.ID, "job_id", job.ID, "error", err)
		return next, nil
	}
	slog.InfoContext(ctx, "Launched step", "step_id", next.ID, "step_number", next.StepNumber, "job_id", job.ID, "step_type", next.Type)
	return next, nil
}

func messageFor(jobID string, step *domain.Step, stepIDs []string) models.StepJobMessage {
	return models.StepJobMessage{
		JobID:      jobID,
		StepID:     step.ID,
		StepNumber: step.StepNumber,
		StepType:   step.Type,
		StepIDs:    stepIDs,
		Payload:    models.StepQueuePayload{UserID: step.UserID},
	}
}

func (s *Sequencer) executeStep(ctx context.Context, step *domain.Step, stepIDs []string) (*domain.Step, error) {
	now := s.clock.Now()
	claimed, err := s.steps.MarkProcessing(ctx, step.ID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", ErrStepNotClaimable, step.ID)
	}
	step.Status = domain.StepStatusProcessing
	step.StartedAt = sql.NullTime{Time: now, Valid: true}
	step.CompletedAt = sql.NullTime{}
	step.UpdatedAt = now
	s.notify(ctx, step)

	handler, ok := s.registry.Lookup(step.Type)
	if !ok {
		return s.failStep(ctx, step, fmt.Errorf("%w: %s", ErrHandlerMissing, step.Type))
	}
	if !step.JobID.Valid {
		return s.failStep(ctx, step, fmt.Errorf("%w %s", ErrJobMissing, step.ID))
	}
	job, err := s.jobs.FindByID(ctx, step.JobID.String)
	if errors.Is(err, domain.ErrJobNotFound) {
		return s.failStep(ctx, step, fmt.Errorf("%w %s", ErrJobMissing, step.ID))
	}
	if err != nil {
		return nil, err
	}
	if err := s.jobs.MarkProcessing(ctx, job.ID, s.clock.Now()); err != nil {
		return nil, err
	}

	ec := core.ExecutionContext{
		StepID:            step.ID,
		StepType:          step.Type,
		Payload:           core.StepPayload{UserID: step.UserID, Data: step.Data},
		CurrentStepNumber: indexOf(stepIDs, step.ID) + 1,
		TotalSteps:        len(stepIDs),
	}
	result, err := s.runHandler(ctx, handler, ec)

	// the outcome is persisted even when the caller went away while the handler ran
	callerCtx := ctx
	ctx = context.WithoutCancel(ctx)
	if err != nil && callerCtx.Err() != nil {
		return s.releaseStep(ctx, step, job.ID, stepIDs, err)
	}
	if err != nil {
		return s.failStep(ctx, step, err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return s.failStep(ctx, step, fmt.Errorf("step result is not serialisable: %w", err))
	}

	completedAt := s.clock.Now()
	if err := s.steps.MarkCompleted(ctx, step.ID, completedAt); err != nil {
		return nil, err
	}
	step.Status = domain.StepStatusCompleted
	step.CompletedAt = sql.NullTime{Time: completedAt, Valid: true}
	step.UpdatedAt = completedAt
	s.notify(ctx, step)

	if err := s.jobs.MarkCompleted(ctx, job.ID, raw, completedAt); err != nil {
		return step, err
	}
	slog.InfoContext(ctx, "Step completed", "step_id", step.ID, "step_number", step.StepNumber, "job_id", job.ID,
		"duration", completedAt.Sub(now).String())

	if _, err := s.launchNext(ctx, stepIDs); err != nil {
		return step, fmt.Errorf("launch step after %s: %w", step.ID, err)
	}
	return step, nil
}

// failStep marks the step and its job FAILED. The step failure itself is not an error for the caller.
func (s *Sequencer) failStep(ctx context.Context, step *domain.Step, cause error) (*domain.Step, error) {
	ctx = context.WithoutCancel(ctx)
	at := s.clock.Now()
	slog.ErrorContext(ctx, "Step failed", "step_id", step.ID, "step_type", step.Type, "step_number", step.StepNumber, "error", cause)

	if err := s.steps.MarkFailed(ctx, step.ID, at); err != nil {
		return nil, err
	}
	step.Status = domain.StepStatusFailed
	step.CompletedAt = sql.NullTime{Time: at, Valid: true}
	step.UpdatedAt = at
	s.notify(ctx, step)

	if step.JobID.Valid {
		err := s.jobs.MarkFailed(ctx, step.JobID.String, cause.Error(), at)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return step, err
		}
	}
	return step, nil
}

// releaseStep undoes the claim of a step whose run was interrupted by its caller, typically a
// worker shutting down. Step and job go back to PENDING and the job is enqueued again, so the
// next worker (or the repair service, for a lost in-memory queue) runs it from the start.
func (s *Sequencer) releaseStep(ctx context.Context, step *domain.Step, jobID string, stepIDs []string, cause error) (*domain.Step, error) {
	now := s.clock.Now()
	slog.WarnContext(ctx, "Step interrupted, releasing it", "step_id", step.ID, "job_id", jobID, "error", cause)

	released, err := s.steps.ReleaseClaim(ctx, step.ID, now)
	if err != nil {
		return nil, err
	}
	if !released {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, step.ID)
	}
	step.Status = domain.StepStatusPending
	step.StartedAt = sql.NullTime{}
	step.CompletedAt = sql.NullTime{}
	step.UpdatedAt = now
	s.notify(ctx, step)

	if err := s.jobs.MarkPending(ctx, jobID, now); err != nil {
		return step, err
	}
	if err := s.queue.Enqueue(ctx, messageFor(jobID, step, stepIDs)); err != nil {
		slog.ErrorContext(ctx, "Failed to enqueue released step job, leaving it for repair", "step_id", step.ID, "job_id", jobID, "error", err)
	}
	return step, nil
}

type handlerOutcome struct {
	result any
	err    error
}

// runHandler executes the handler under the step timeout. Panics become errors.
func (s *Sequencer) runHandler(ctx context.Context, handler core.StepHandler, ec core.ExecutionContext) (result any, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("step.id", ec.StepID),
		attribute.String("step.type", string(ec.StepType)),
		attribute.Int("step.number", ec.CurrentStepNumber),
		attribute.Int("step.total", ec.TotalSteps),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: fmt.Errorf("step handler panicked: %v", r)}
			}
		}()
		res, err := handler.Execute(ctx, ec)
		done <- handlerOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil || ctx.Err() == nil {
			return out.result, out.err
		}
	case <-ctx.Done():
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("step timed out after %s", s.stepTimeout)
	}
	return nil, fmt.Errorf("step cancelled: %w", ctx.Err())
}

func (s *Sequencer) notify(ctx context.Context, step *domain.Step) {
	if s.notifier == nil {
		return
	}
	snapshot := *step
	s.notifier.EmitStepStatusChanged(step.UserID, &snapshot)
	slog.DebugContext(ctx, "Step status event emitted", "step_id", step.ID, "status", step.Status)
}

func (s *Sequencer) sequenceStepIDs(ctx context.Context, sequenceID string) ([]string, error) {
	siblings, err := s.steps.FindBySequenceID(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(siblings))
	for _, sibling := range siblings {
		ids = append(ids, sibling.ID)
	}
	return ids, nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
