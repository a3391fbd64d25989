package engine

import "errors"

var (
	ErrInvalidState     = errors.New("invalid step state")
	ErrStepNotClaimable = errors.New("step is not pending")

	// stored verbatim in jobs.result
	ErrHandlerMissing = errors.New("No handler registered for step type")
	ErrJobMissing     = errors.New("No job found for step")
)
