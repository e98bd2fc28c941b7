package hashing

import (
	"errors"
	"fmt"
)

// ErrHashGeneration matches every *HashGenerationError via errors.Is.
var ErrHashGeneration = errors.New("hash generation failed")

// HashGenerationError reports invalid input to the generator. It is an input
// error and must never be retried.
type HashGenerationError struct {
	Op     string
	Reason string
	Err    error
}

func (e *HashGenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hashing: %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("hashing: %s: %s", e.Op, e.Reason)
}

func (e *HashGenerationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrHashGeneration) true for any HashGenerationError.
func (e *HashGenerationError) Is(target error) bool {
	return target == ErrHashGeneration
}

func inputError(op, reason string) error {
	return &HashGenerationError{Op: op, Reason: reason}
}
