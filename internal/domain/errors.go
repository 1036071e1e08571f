package domain

import "errors"

var (
	ErrDeviceUnavailable      = errors.New("device unavailable")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrInvalidAddress         = errors.New("invalid device address")
	ErrInvalidEvent           = errors.New("invalid event")
)
