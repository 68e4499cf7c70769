package domain

import "errors"

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrUnsupported         = errors.New("operation not supported")
	ErrLocked              = errors.New("resource is locked")
)
