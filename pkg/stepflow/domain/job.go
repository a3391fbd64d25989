package domain

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Job is one execution attempt of a Step. A retried step gets a new Job.
type Job struct {
	ID          string
	Type        string
	Status      JobStatus
	Payload     json.RawMessage
	Result      json.RawMessage
	UserID      string
	CompletedAt sql.NullTime
	CreatedAt   time.Time
	UpdatedAt   time.Time
	IsDeleted   bool
}

// JobPayload is what gets stored in jobs.payload, enough to continue the sequence.
type JobPayload struct {
	StepID     string   `json:"stepId"`
	StepNumber int      `json:"stepNumber"`
	StepType   StepType `json:"stepType"`
	AllStepIDs []string `json:"allStepIds"`
}

// JobFailure is stored in jobs.result when an attempt fails.
type JobFailure struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// JobTypeForStep derives the job type from a step type, WEBSITE_LOADING -> STEP_WEBSITE_LOADING.
func JobTypeForStep(stepType StepType) string {
	return "STEP_" + strings.ToUpper(string(stepType))
}
