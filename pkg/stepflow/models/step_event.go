package models

const StepStatusChangedEvent = "processing-queue"

// StepEvent is pushed to the owner of a step whenever its status changes.
type StepEvent struct {
	Event string       `json:"event"`
	Step  StepResponse `json:"data"`
}
