package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
)

// StepRepo defines the interface for step persistence, matching repository.StepRepository.
type StepRepo interface {
	CreateMany(ctx context.Context, steps []*domain.Step) error
	FindByID(ctx context.Context, id string) (*domain.Step, error)
	FindManyByIDs(ctx context.Context, ids []string) ([]*domain.Step, error)
	FindBySequenceID(ctx context.Context, sequenceID string) ([]*domain.Step, error)
	FindStuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Step, error)
	AssignJob(ctx context.Context, id string, jobID string, now time.Time) error
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error
	MarkFailed(ctx context.Context, id string, completedAt time.Time) error
	ResetToPending(ctx context.Context, id string, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id string, now time.Time) (bool, error)
}

// JobRepo defines the interface for job persistence, matching repository.JobRepository.
type JobRepo interface {
	Create(ctx context.Context, j *domain.Job) error
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	FindManyByIDs(ctx context.Context, ids []string) ([]*domain.Job, error)
	FindStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Job, error)
	MarkProcessing(ctx context.Context, id string, now time.Time) error
	MarkPending(ctx context.Context, id string, now time.Time) error
	MarkCompleted(ctx context.Context, id string, result json.RawMessage, completedAt time.Time) error
	MarkFailed(ctx context.Context, id string, message string, at time.Time) error
	Touch(ctx context.Context, id string, now time.Time) error
}

// WorkQueue is the background queue between scheduling a step and executing it.
type WorkQueue interface {
	Enqueue(ctx context.Context, msg models.StepJobMessage) error
	// Dequeue blocks until a message is available or ctx is done.
	Dequeue(ctx context.Context) (*models.StepJobMessage, error)
}

// Notifier pushes step status changes to the step owner. It is best effort and never fails the caller.
type Notifier interface {
	EmitStepStatusChanged(ownerID string, step *domain.Step)
}
