package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
)

// JobRepository persists jobs rows, one per step execution attempt.
type JobRepository struct {
	db *sql.DB
}

const JOB_COLUMNS = ` id, type, status, payload, result, user_id, completed_at, created_at, updated_at, is_deleted `

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, j *domain.Job) error {
	query := `INSERT INTO jobs (` + JOB_COLUMNS + `) VALUES (` + placeholders(1, 10) + `)`
	_, err := r.db.ExecContext(ctx, query,
		j.ID,
		j.Type,
		string(j.Status),
		nullableJSON(j.Payload),
		nullableJSON(j.Result),
		j.UserID,
		formatDateInDatabaseNull(j.CompletedAt),
		formatDateInDatabase(j.CreatedAt),
		formatDateInDatabase(j.UpdatedAt),
		j.IsDeleted,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	query := `
		SELECT ` + JOB_COLUMNS + `
		FROM jobs WHERE id = ` + placeholder(1) + `
	`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, err
}

func (r *JobRepository) FindManyByIDs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `
		SELECT ` + JOB_COLUMNS + `
		FROM jobs
		WHERE id IN (` + placeholders(1, len(ids)) + `)
	`
	return r.queryAll(ctx, query, args...)
}

// FindStalePending returns PENDING jobs not touched since the given time, oldest first.
func (r *JobRepository) FindStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + JOB_COLUMNS + `
		FROM jobs
		WHERE status = 'PENDING' AND ` + dateBefore("updated_at", 1) + `
		ORDER BY updated_at ASC
		LIMIT ` + placeholder(2) + `
	`
	return r.queryAll(ctx, query, formatDateInDatabase(updatedBefore), limit)
}

func (r *JobRepository) MarkProcessing(ctx context.Context, id string, now time.Time) error {
	return r.updateStatus(ctx, id, domain.JobStatusProcessing, nil, sql.NullTime{}, now)
}

func (r *JobRepository) MarkPending(ctx context.Context, id string, now time.Time) error {
	return r.updateStatus(ctx, id, domain.JobStatusPending, nil, sql.NullTime{}, now)
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string, result json.RawMessage, completedAt time.Time) error {
	return r.updateStatus(ctx, id, domain.JobStatusCompleted, result, sql.NullTime{Time: completedAt, Valid: true}, completedAt)
}

// MarkFailed records the failure message and time in the job result.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, message string, at time.Time) error {
	result, err := json.Marshal(domain.JobFailure{Error: message, Timestamp: at.UTC()})
	if err != nil {
		return err
	}
	return r.updateStatus(ctx, id, domain.JobStatusFailed, result, sql.NullTime{}, at)
}

// Touch moves updated_at forward so the repair service does not pick the job up again right away.
func (r *JobRepository) Touch(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE jobs
		SET updated_at = ` + placeholder(1) + `
		WHERE id = ` + placeholder(2) + `
	`
	res, err := r.db.ExecContext(ctx, query, formatDateInDatabase(now), id)
	if err != nil {
		return fmt.Errorf("touch job %s: %w", id, err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id))
}

func (r *JobRepository) updateStatus(ctx context.Context, id string, status domain.JobStatus, result json.RawMessage, completedAt sql.NullTime, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = ` + placeholder(1) + `, result = ` + placeholder(2) + `, completed_at = ` + placeholder(3) + `, updated_at = ` + placeholder(4) + `
		WHERE id = ` + placeholder(5) + `
	`
	res, err := r.db.ExecContext(ctx, query, string(status), nullableJSON(result), formatDateInDatabaseNull(completedAt), formatDateInDatabase(now), id)
	if err != nil {
		return fmt.Errorf("update job %s to %s: %w", id, status, err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id))
}

func (r *JobRepository) queryAll(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var status string
	var payload, result sql.NullString
	err := row.Scan(
		&j.ID,
		&j.Type,
		&status,
		&payload,
		&result,
		&j.UserID,
		&j.CompletedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	if payload.Valid && payload.String != "" {
		j.Payload = []byte(payload.String)
	}
	if result.Valid && result.String != "" {
		j.Result = []byte(result.String)
	}
	return &j, nil
}
