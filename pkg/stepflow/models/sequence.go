package models

import (
	"encoding/json"
	"time"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
)

// CreateSequenceRequest is the payload for creating a step sequence.
type CreateSequenceRequest struct {
	StepTypes []domain.StepType `json:"stepTypes"`
	UserID    string            `json:"userId"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

type CreateSequenceResponse struct {
	StepIDs []string `json:"stepIds"`
}

type RetryStepResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ProcessNextResponse struct {
	Processed bool          `json:"processed"`
	Step      *StepResponse `json:"step,omitempty"`
}

// StepResponse is the API and notification representation of a step.
type StepResponse struct {
	ID          string            `json:"id"`
	SequenceID  string            `json:"sequenceId"`
	StepNumber  int               `json:"stepNumber"`
	Type        domain.StepType   `json:"type"`
	Status      domain.StepStatus `json:"status"`
	UserID      string            `json:"userId"`
	JobID       string            `json:"jobId,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// StepSummary is one row of SequenceStatus.
type StepSummary struct {
	ID          string            `json:"id"`
	StepNumber  int               `json:"stepNumber"`
	Type        domain.StepType   `json:"type"`
	Status      domain.StepStatus `json:"status"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	JobID       string            `json:"jobId,omitempty"`
	JobStatus   domain.JobStatus  `json:"jobStatus,omitempty"`
}

type SequenceStatus struct {
	TotalSteps      int           `json:"totalSteps"`
	CompletedSteps  int           `json:"completedSteps"`
	FailedSteps     int           `json:"failedSteps"`
	PendingSteps    int           `json:"pendingSteps"`
	ProcessingSteps int           `json:"processingSteps"`
	CurrentStep     *StepResponse `json:"currentStep,omitempty"`
	Steps           []StepSummary `json:"steps"`
}

func MapStepToResponse(s *domain.Step) StepResponse {
	resp := StepResponse{
		ID:         s.ID,
		SequenceID: s.SequenceID,
		StepNumber: s.StepNumber,
		Type:       s.Type,
		Status:     s.Status,
		UserID:     s.UserID,
		Data:       s.Data,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.JobID.Valid {
		resp.JobID = s.JobID.String
	}
	if s.StartedAt.Valid {
		t := s.StartedAt.Time
		resp.StartedAt = &t
	}
	if s.CompletedAt.Valid {
		t := s.CompletedAt.Time
		resp.CompletedAt = &t
	}
	return resp
}
