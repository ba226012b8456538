package network

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrUnknownPeer is logged when a command targets an identity that has no
	// registered channel.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrLivenessFailure is recorded by a monitor that closed its channel.
	ErrLivenessFailure = errors.New("liveness check failed")
)

// ConnectReason classifies why an outbound connection could not be opened.
type ConnectReason int

const (
	ReasonIOError ConnectReason = iota
	ReasonUnknownHost
	ReasonRefused
)

func (r ConnectReason) String() string {
	switch r {
	case ReasonUnknownHost:
		return "unknown_host"
	case ReasonRefused:
		return "refused"
	default:
		return "io_error"
	}
}

// ConnectError is returned by Connect. The supervisor retries on it forever.
type ConnectError struct {
	Addr   string
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed (%s): %v", e.Addr, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func newConnectError(addr string, err error) *ConnectError {
	reason := ReasonIOError

	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		reason = ReasonUnknownHost
	case errors.Is(err, syscall.ECONNREFUSED):
		reason = ReasonRefused
	}

	return &ConnectError{Addr: addr, Reason: reason, Err: err}
}
