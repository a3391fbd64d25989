package core

import (
	"context"
	"encoding/json"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
)

// StepPayload is the part of the step forwarded to its handler.
type StepPayload struct {
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ExecutionContext describes the step being executed.
type ExecutionContext struct {
	StepID            string
	StepType          domain.StepType
	Payload           StepPayload
	CurrentStepNumber int
	TotalSteps        int
}

// StepHandler executes one type of step. The returned value is stored as the job result,
// so it must be JSON serialisable. Returning an error fails the step and halts its sequence.
// Execute must return once ctx is done. A handler that outlives its step timeout keeps
// running in the background and may overlap with a retry of the same step.
type StepHandler interface {
	Execute(ctx context.Context, ec ExecutionContext) (any, error)
}

// HandlerFunc adapts a plain function to StepHandler.
type HandlerFunc func(ctx context.Context, ec ExecutionContext) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, ec ExecutionContext) (any, error) {
	return f(ctx, ec)
}
