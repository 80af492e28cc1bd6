package data

import "errors"

var (
	ErrNotFound             = errors.New("task not found")
	ErrInvalidState         = errors.New("invalid state for operation")
	ErrDuplicateDestination = errors.New("destination already claimed by an in-flight task")
	ErrInvalidSource        = errors.New("source url is required")
	ErrInvalidDestination   = errors.New("destination path is required")
	ErrBadStatus            = errors.New("invalid status")
)
