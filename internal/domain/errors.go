package domain

import (
	"errors"
	"strings"
)

// ErrPrecondition marks errors raised before any side effect took place.
var ErrPrecondition = errors.New("precondition failed")

// PreconditionError carries the user-facing reasons an operation was refused.
type PreconditionError struct {
	Reasons []string
}

// NewPreconditionError builds a PreconditionError from one or more reasons.
func NewPreconditionError(reasons ...string) *PreconditionError {
	return &PreconditionError{Reasons: reasons}
}

func (e *PreconditionError) Error() string {
	return strings.Join(e.Reasons, "; ")
}

// Is lets errors.Is(err, ErrPrecondition) match.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// ErrForbidden marks permission failures.
var ErrForbidden = errors.New("forbidden")

// ForbiddenError carries a user-facing permission failure message.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }

// Is lets errors.Is(err, ErrForbidden) match.
func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}
