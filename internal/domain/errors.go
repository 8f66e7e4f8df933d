package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAccessDenied     = errors.New("media access denied")
	ErrNoDeviceFound         = errors.New("no media device found")
	ErrSignalingWrite        = errors.New("signaling write failed")
	ErrSignalingRead         = errors.New("signaling read failed")
	ErrNegotiationRace       = errors.New("negotiation race detected")
	ErrTransportFailed       = errors.New("transport failed")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrCleanupPartial        = errors.New("cleanup partially failed")
	ErrSessionClosed         = errors.New("session closed")
	ErrAlreadyJoined         = errors.New("session already joined")
	ErrNoLocalStream         = errors.New("no local stream")
)

// CallError carries the operation that failed alongside the taxonomy error.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *CallError) Unwrap() error { return e.Err }

func NewCallError(op string, err error) *CallError {
	return &CallError{Op: op, Err: err}
}

// Fatal reports whether err ends the call attempt and must reach the user.
func Fatal(err error) bool {
	return errors.Is(err, ErrMediaAccessDenied) ||
		errors.Is(err, ErrNoDeviceFound) ||
		errors.Is(err, ErrTransportFailed) ||
		errors.Is(err, ErrTransportDisconnected)
}
