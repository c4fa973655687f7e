package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidTransition is returned when a status update would move a
	// query backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)
