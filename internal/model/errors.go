package model

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig             = errors.New("configuration error")
	ErrUnprovisioned      = errors.New("device is not provisioned")
	ErrInvalidBackendURL  = errors.New("invalid backend URL")
	ErrCredentialsTooLong = errors.New("device credentials too long")
)
