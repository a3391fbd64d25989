package models

import "github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"

const (
	StepQueueName      = "step-processing"
	ProcessStepJobName = "process-step"
)

// StepJobMessage is the body pushed onto the background work queue for every job.
type StepJobMessage struct {
	JobID      string           `json:"jobId"`
	StepID     string           `json:"stepId"`
	StepNumber int              `json:"stepNumber"`
	StepType   domain.StepType  `json:"stepType"`
	StepIDs    []string         `json:"stepIds"`
	Payload    StepQueuePayload `json:"payload"`
}

type StepQueuePayload struct {
	UserID string `json:"userId"`
}
