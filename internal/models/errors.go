package models

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("request already claimed")
	ErrNotEligible           = errors.New("operator not eligible")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrForbidden             = errors.New("caller is not a bound party")
	ErrInvalidInput          = errors.New("invalid input")
	ErrOperatorBusy          = errors.New("operator is busy")
	ErrActiveRequest         = errors.New("requester has an active request")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)
