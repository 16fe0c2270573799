package model

import (
	"errors"
	"fmt"
)

var (
	ErrCursorExpired    = errors.New("cursor expired")
	ErrUnauthorized     = errors.New("session unauthorized")
	ErrPayloadTooLarge  = errors.New("payload exceeds provider size limit")
	ErrUnsupported      = errors.New("operation not supported by provider")
	ErrNotFound         = errors.New("not found")
	ErrIrreconcilable   = errors.New("conflict cannot be resolved deterministically")
	ErrRescanInProgress = errors.New("rescan already in progress")
)

// OpError wraps a provider failure for a single pending op.
type OpError struct {
	OpID string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("op %s: %v", e.OpID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
