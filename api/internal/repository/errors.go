package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("repository: conflict")
	// ErrInvalidArgument indicates a malformed write.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
