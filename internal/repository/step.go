package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
)

// StepRepository persists processing_steps rows.
type StepRepository struct {
	db *sql.DB
}

const STEP_COLUMNS = ` id, sequence_id, step_number, type, status, job_id, user_id, data,
		       started_at, completed_at, created_at, updated_at, is_deleted `

func NewStepRepository(db *sql.DB) *StepRepository {
	return &StepRepository{db: db}
}

// CreateMany inserts all steps of a sequence in one transaction.
func (r *StepRepository) CreateMany(ctx context.Context, steps []*domain.Step) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create steps: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO processing_steps (` + STEP_COLUMNS + `) VALUES (` + placeholders(1, 13) + `)`
	for _, s := range steps {
		_, err := tx.ExecContext(ctx, query,
			s.ID,
			s.SequenceID,
			s.StepNumber,
			string(s.Type),
			string(s.Status),
			s.JobID,
			s.UserID,
			nullableJSON(s.Data),
			formatDateInDatabaseNull(s.StartedAt),
			formatDateInDatabaseNull(s.CompletedAt),
			formatDateInDatabase(s.CreatedAt),
			formatDateInDatabase(s.UpdatedAt),
			s.IsDeleted,
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", s.StepNumber, err)
		}
	}
	return tx.Commit()
}

func (r *StepRepository) FindByID(ctx context.Context, id string) (*domain.Step, error) {
	query := `
		SELECT ` + STEP_COLUMNS + `
		FROM processing_steps WHERE id = ` + placeholder(1) + `
	`
	step, err := scanStep(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrStepNotFound, id)
	}
	return step, err
}

// FindManyByIDs returns the matching steps ordered by step_number. Unknown ids are skipped.
func (r *StepRepository) FindManyByIDs(ctx context.Context, ids []string) ([]*domain.Step, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `
		SELECT ` + STEP_COLUMNS + `
		FROM processing_steps
		WHERE id IN (` + placeholders(1, len(ids)) + `)
		ORDER BY step_number ASC
	`
	return r.queryAll(ctx, query, args...)
}

// FindBySequenceID returns every step of a sequence ordered by step_number.
func (r *StepRepository) FindBySequenceID(ctx context.Context, sequenceID string) ([]*domain.Step, error) {
	query := `
		SELECT ` + STEP_COLUMNS + `
		FROM processing_steps
		WHERE sequence_id = ` + placeholder(1) + `
		ORDER BY step_number ASC
	`
	return r.queryAll(ctx, query, sequenceID)
}

// FindStuckProcessing returns steps that entered PROCESSING before the given time.
func (r *StepRepository) FindStuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Step, error) {
	query := `
		SELECT ` + STEP_COLUMNS + `
		FROM processing_steps
		WHERE status = 'PROCESSING' AND ` + dateBefore("started_at", 1) + `
		ORDER BY started_at ASC
		LIMIT ` + placeholder(2) + `
	`
	return r.queryAll(ctx, query, formatDateInDatabase(startedBefore), limit)
}

func (r *StepRepository) AssignJob(ctx context.Context, id string, jobID string, now time.Time) error {
	query := `
		UPDATE processing_steps
		SET job_id = ` + placeholder(1) + `, updated_at = ` + placeholder(2) + `
		WHERE id = ` + placeholder(3) + `
	`
	res, err := r.db.ExecContext(ctx, query, jobID, formatDateInDatabase(now), id)
	if err != nil {
		return fmt.Errorf("assign job to step %s: %w", id, err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", domain.ErrStepNotFound, id))
}

// MarkProcessing claims a PENDING step. It returns false when the step was not PENDING anymore,
// which means another worker or a manual call got there first.
func (r *StepRepository) MarkProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	query := `
		UPDATE processing_steps
		SET status = 'PROCESSING', started_at = ` + placeholder(1) + `, updated_at = ` + placeholder(2) + `
		WHERE id = ` + placeholder(3) + ` AND status = 'PENDING'
	`
	res, err := r.db.ExecContext(ctx, query, formatDateInDatabase(startedAt), formatDateInDatabase(startedAt), id)
	if err != nil {
		return false, fmt.Errorf("mark step %s processing: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func (r *StepRepository) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	return r.finish(ctx, id, domain.StepStatusCompleted, completedAt)
}

func (r *StepRepository) MarkFailed(ctx context.Context, id string, completedAt time.Time) error {
	return r.finish(ctx, id, domain.StepStatusFailed, completedAt)
}

func (r *StepRepository) finish(ctx context.Context, id string, status domain.StepStatus, at time.Time) error {
	query := `
		UPDATE processing_steps
		SET status = ` + placeholder(1) + `, completed_at = ` + placeholder(2) + `, updated_at = ` + placeholder(3) + `
		WHERE id = ` + placeholder(4) + `
	`
	res, err := r.db.ExecContext(ctx, query, string(status), formatDateInDatabase(at), formatDateInDatabase(at), id)
	if err != nil {
		return fmt.Errorf("mark step %s %s: %w", id, status, err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", domain.ErrStepNotFound, id))
}

// ResetToPending moves a FAILED step back to PENDING and clears its timestamps.
// It returns false when the step was not FAILED.
func (r *StepRepository) ResetToPending(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE processing_steps
		SET status = 'PENDING', started_at = NULL, completed_at = NULL, updated_at = ` + placeholder(1) + `
		WHERE id = ` + placeholder(2) + ` AND status = 'FAILED'
	`
	res, err := r.db.ExecContext(ctx, query, formatDateInDatabase(now), id)
	if err != nil {
		return false, fmt.Errorf("reset step %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// ReleaseClaim puts a PROCESSING step back to PENDING so it can be claimed again.
func (r *StepRepository) ReleaseClaim(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE processing_steps
		SET status = 'PENDING', started_at = NULL, completed_at = NULL, updated_at = ` + placeholder(1) + `
		WHERE id = ` + placeholder(2) + ` AND status = 'PROCESSING'
	`
	res, err := r.db.ExecContext(ctx, query, formatDateInDatabase(now), id)
	if err != nil {
		return false, fmt.Errorf("release step %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func (r *StepRepository) queryAll(ctx context.Context, query string, args ...any) ([]*domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

func scanStep(row rowScanner) (*domain.Step, error) {
	var s domain.Step
	var stepType, status string
	var data sql.NullString
	err := row.Scan(
		&s.ID,
		&s.SequenceID,
		&s.StepNumber,
		&stepType,
		&status,
		&s.JobID,
		&s.UserID,
		&data,
		&s.StartedAt,
		&s.CompletedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	s.Type = domain.StepType(stepType)
	s.Status = domain.StepStatus(status)
	if data.Valid && data.String != "" {
		s.Data = []byte(data.String)
	}
	return &s, nil
}
