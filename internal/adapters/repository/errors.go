package repository

import "errors"

// Sentinel kinds for storage errors.
var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation, e.g. a stamp hash that is
	// already attached to another passport.
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownDriver   = errors.New("unknown store driver")
)
