package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrValidation      = errors.New("invalid request")
	ErrStoryGeneration = errors.New("story generation failure")
	ErrIllustration    = errors.New("illustration failure")
	ErrPublish         = errors.New("asset publish failure")
)
