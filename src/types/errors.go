package types

import (
	"fmt"
	"time"
)

// ConnectionTimeoutError reports that a connection attempt produced neither
// a connect nor a connect_error event within the allowed time.
type ConnectionTimeoutError struct {
	Namespace string
	Timeout   time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection to namespace %q timed out after %s", e.Namespace, e.Timeout)
}

// ConnectionError wraps a transport-reported connect failure.
type ConnectionError struct {
	Namespace string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to namespace %q failed: %v", e.Namespace, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidTransitionError reports a join/leave/switch call made from a state
// that has no such transition.
type InvalidTransitionError struct {
	From RoomState
	Op   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %s", e.Op, e.From)
}

// RoomTimeoutError reports a join or leave acknowledgement that never arrived.
type RoomTimeoutError struct {
	Room    string
	Op      string
	Timeout time.Duration
}

func (e *RoomTimeoutError) Error() string {
	return fmt.Sprintf("%s %q not acknowledged within %s", e.Op, e.Room, e.Timeout)
}

// OperationTimeoutError reports a tracked mutation that was never resolved.
type OperationTimeoutError struct {
	OperationID string
	Type        string
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %s (%s) timed out", e.OperationID, e.Type)
}
