package model

import "errors"

// Sentinel errors forming the core's error taxonomy. Components wrap these
// with context via fmt.Errorf("...: %w", err); only internal/server maps
// them to HTTP status codes.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrSessionNotFound = errors.New("session not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrPoolTimeout     = errors.New("pool timeout")
	ErrPoolDisabled    = errors.New("pool disabled for language")
	ErrRemoteAgent     = errors.New("remote agent error")
	ErrStateTooLarge   = errors.New("state too large")
	ErrInternal        = errors.New("internal error")
)
