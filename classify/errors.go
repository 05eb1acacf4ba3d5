package classify

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyOutput     = errors.New("model produced an empty output")
	ErrClassOutOfRange = errors.New("predicted class index has no label")
	ErrPoolClosed      = errors.New("pool is closed")
	ErrAcquireTimeout  = errors.New("timeout waiting for available session")
	ErrModelNotFound   = errors.New("model file not found")
	ErrEmptyImage      = errors.New("image has no pixels")
)

// ProcessingError records which stage of classification failed.
type ProcessingError struct {
	Model string
	Stage string
	Cause error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Model, e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Model, e.Stage)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}
