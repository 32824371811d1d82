package statestore

import "fmt"

// ServiceError wraps a -ERR reply returned by the state store service
// itself, as opposed to a protocol- or transport-level failure.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string { return "state store service error: " + e.Message }

// ArgumentError indicates a caller-supplied argument the client rejected
// before ever publishing a request (e.g. an empty key).
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("state store: invalid argument %q: %s", e.Name, e.Reason)
}
