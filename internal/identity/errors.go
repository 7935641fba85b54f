package identity

import "errors"

var (
	// ErrConflict signals a uniqueness invariant would be violated.
	ErrConflict = errors.New("resource conflict")
	// ErrNotFound signals a referenced natural key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized signals the actor lacks the required role.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidInput signals a malformed request argument.
	ErrInvalidInput = errors.New("invalid input")
)
