package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the database rejected a value.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrActiveDeployment indicates the project already has a pending or running deployment.
var ErrActiveDeployment = errors.New("repository: project has an active deployment")

// ErrConflict indicates a conditional update found the row in an unexpected state.
var ErrConflict = errors.New("repository: conflicting state")
