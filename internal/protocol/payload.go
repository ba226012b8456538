package protocol

import (
	"errors"
	"fmt"
)

// AppState is the lifecycle state of an application on a workstation.
type AppState uint8

const (
	StateUnknown AppState = iota
	StateStarted
	StateStopped
)

func (s AppState) String() string {
	switch s {
	case StateStarted:
		return "Started"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ExecutionRequest asks a workstation to move an application into State.
type ExecutionRequest struct {
	Name  string   `cbor:"name" json:"name"`
	Path  string   `cbor:"path" json:"path"`
	Args  string   `cbor:"args" json:"args"`
	State AppState `cbor:"state" json:"-"`
}

// ErrInvalidRequest is returned by ExecutionRequest.Validate.
var ErrInvalidRequest = errors.New("invalid execution request")

// Validate checks that the application is named and locatable and that the
// requested state is one a workstation can act on. Args may be empty.
func (r ExecutionRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidRequest)
	}
	if r.Path == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidRequest)
	}
	if r.State != StateStarted && r.State != StateStopped {
		return fmt.Errorf("%w: state %s", ErrInvalidRequest, r.State)
	}
	return nil
}

// HostInfo announces a workstation's host name.
type HostInfo struct {
	HostName string `cbor:"host_name"`
}
