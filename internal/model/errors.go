package model

import "errors"

// Sentinel errors for the core taxonomy. Callers match with errors.Is.
var (
	ErrDuplicateAgent     = errors.New("duplicate agent")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrRecoveryExhausted  = errors.New("recovery exhausted")
)
