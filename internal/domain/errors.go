package domain

import "errors"

// Sentinel errors shared by stores and services. Packages wrap them with
// their own context so callers can test with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid state")
)
