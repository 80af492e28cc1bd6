package v1

import "errors"

var (
	ErrTaskCtx           = errors.New("task missing in context")
	ErrPatchCtx          = errors.New("desired status missing in context")
	ErrDesiredStatusJSON = errors.New("desiredStatus is required")
	ErrSourceRequired    = errors.New("url is required")
	ErrDestRequired      = errors.New("destination is required")
	ErrContentType       = errors.New("Content-Type must be application/json")
)
