package service

import "errors"

var (
	// ErrRunNotFound is returned when the run id does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidCursor is returned for a negative or malformed cursor.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrUnknownAgentType is returned when no pipeline is registered for the agent type.
	ErrUnknownAgentType = errors.New("unknown agent type")
	// ErrRunAlreadyActive guards against starting the same run twice.
	ErrRunAlreadyActive = errors.New("run already active")
)
