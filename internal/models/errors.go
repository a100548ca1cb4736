package models

import "errors"

var (
	ErrNotFound = errors.New("stream not found")
	ErrConflict = errors.New("stream is not available for consumption")
	ErrCapacity = errors.New("too many concurrent streams")
)

// IsNotFound checks if the error is a not-found registry error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if the error is a conflicting transition
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsCapacity checks if the registry refused a session because it is full
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}
