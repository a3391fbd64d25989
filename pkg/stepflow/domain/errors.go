package domain

import "errors"

var (
	ErrStepNotFound = errors.New("step not found")
	ErrJobNotFound  = errors.New("job not found")
)
