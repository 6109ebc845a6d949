package apperr

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrOutsideRoot     = errors.New("path outside template directory")
	ErrNotWIP          = errors.New("template is not marked work-in-progress")
	ErrDependencyCycle = errors.New("dependency cycle detected")
)
