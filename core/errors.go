package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors forming the error taxonomy. All package APIs return
// errors matchable with errors.Is against one of these.
var (
	// ErrUnauthorized is returned when no policy matches the requested capability.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrExpired is returned when a presented grant is outside its validity window.
	ErrExpired = errors.New("grant expired")
	// ErrScopeMismatch is returned when a grant does not cover the requested scope.
	ErrScopeMismatch = errors.New("scope mismatch")
	// ErrNotFound is returned when a slice, session or grant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned when an optimistic write lost the race;
	// the caller recovers by re-reading and retrying.
	ErrStaleVersion = errors.New("stale version")
	// ErrEncryption is returned when a payload cannot be sealed.
	ErrEncryption = errors.New("encryption error")
	// ErrCorruptionDetected is returned when sealed data fails authentication
	// on decrypt; further writes to the affected scope are halted.
	ErrCorruptionDetected = errors.New("corruption detected")
	// ErrOutOfTurn is returned when the turn policy does not permit the agent.
	ErrOutOfTurn = errors.New("out of turn")
	// ErrSessionClosed is returned when a session is not active.
	ErrSessionClosed = errors.New("session closed")
	// ErrTimeout is returned when a caller-supplied deadline expired; the
	// core never retries on its own.
	ErrTimeout = errors.New("timeout")
	// ErrAgentFailure wraps an error surfaced by an agent adapter.
	ErrAgentFailure = errors.New("agent failure")
	// ErrConflict is returned when a concurrent request already won
	// (duplicate breakout, sequence number taken by another agent).
	ErrConflict = errors.New("conflict")
)

// OpError annotates a taxonomy error with enough context for the caller to
// act on: the failed operation and the subject, scope and slice involved.
type OpError struct {
	Op      string
	Subject AgentID
	Scope   Scope
	SliceID string
	Err     error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Subject != "" {
		msg += fmt.Sprintf(" (subject=%s", e.Subject)
		if e.Scope != "" {
			msg += fmt.Sprintf(" scope=%s", e.Scope)
		}
		if e.SliceID != "" {
			msg += fmt.Sprintf(" slice=%s", e.SliceID)
		}
		msg += ")"
	}
	return msg
}

// Unwrap exposes the underlying taxonomy error for errors.Is matching.
func (e *OpError) Unwrap() error { return e.Err }

// NewOpError builds an OpError around a taxonomy error.
func NewOpError(op string, subject AgentID, scope Scope, sliceID string, err error) *OpError {
	return &OpError{Op: op, Subject: subject, Scope: scope, SliceID: sliceID, Err: err}
}

// TimeoutErr maps a context error to ErrTimeout, preserving the cause.
// Non-context errors pass through unchanged.
func TimeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
