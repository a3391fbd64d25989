package core

import (
	"errors"
	"fmt"
	"sort"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
)

var ErrHandlerAlreadyRegistered = errors.New("handler already registered")

// HandlerRegistry maps step types to their handlers. It is filled once during startup and only
// read afterwards, so it carries no locking.
type HandlerRegistry struct {
	handlers map[domain.StepType]StepHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[domain.StepType]StepHandler)}
}

// Register associates a handler with a step type. Each type can be registered once.
func (r *HandlerRegistry) Register(stepType domain.StepType, handler StepHandler) error {
	if stepType == "" {
		return errors.New("step type is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", stepType)
	}
	if _, ok := r.handlers[stepType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, stepType)
	}
	r.handlers[stepType] = handler
	return nil
}

// MustRegister is Register for startup code, it panics on a misconfiguration.
func (r *HandlerRegistry) MustRegister(stepType domain.StepType, handler StepHandler) {
	if err := r.Register(stepType, handler); err != nil {
		panic(err)
	}
}

func (r *HandlerRegistry) Lookup(stepType domain.StepType) (StepHandler, bool) {
	h, ok := r.handlers[stepType]
	return h, ok
}

// Types returns the registered step types sorted by name.
func (r *HandlerRegistry) Types() []domain.StepType {
	types := make([]domain.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
