package domain

import (
	"database/sql"
	"encoding/json"
	"time"
)

type StepType string

const (
	StepTypeWebsiteLoading StepType = "WEBSITE_LOADING"
)

type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusProcessing StepStatus = "PROCESSING"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusFailed     StepStatus = "FAILED"
)

// Step is one unit of work inside a sequence, stored in processing_steps.
type Step struct {
	ID          string
	Type        StepType
	Status      StepStatus
	StepNumber  int
	SequenceID  string
	JobID       sql.NullString
	UserID      string
	Data        json.RawMessage
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
	CreatedAt   time.Time
	UpdatedAt   time.Time
	IsDeleted   bool
}
