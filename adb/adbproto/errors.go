package adbproto

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Errors which can be tested with [errors.Is].
var (
	ErrProtocol           = errors.New("protocol fault")               // malformed packet or unexpected response
	ErrProtocolVersion    = errors.New("unsupported protocol version") // handshake negotiated something we can't speak
	ErrServer             = errors.New("server failure")               // failure message returned by the server
	ErrConnectionClosed   = errors.New("connection closed")            // physical connection gone
	ErrAuthentication     = errors.New("authentication failed")        // device rejected our keys
	ErrServiceUnavailable = errors.New("service unavailable")          // device refused to create the service
	ErrStreamRejected     = errors.New("stream rejected")              // device closed the stream before accepting it
)

// ErrTimeout is returned when a local wait is exceeded. It is the same as
// [os.ErrDeadlineExceeded], so it implements [net.Error].
var ErrTimeout = os.ErrDeadlineExceeded

type protocolError struct {
	Err error
}

// ProtocolErrorf formats an error matching [ErrProtocol], with %w supported as
// for [fmt.Errorf]. Wrapped protocol errors are unwrapped first so the message
// only has one prefix.
func ProtocolErrorf(format string, a ...any) error {
	for i, v := range a {
		if pe, ok := v.(*protocolError); ok {
			a = slices.Clone(a)
			a[i] = pe.Err
		}
	}
	return &protocolError{fmt.Errorf(format, a...)}
}

func (p *protocolError) Error() string {
	var b strings.Builder
	b.WriteString(ErrProtocol.Error())
	if p.Err != nil {
		b.WriteString(": ")
		b.WriteString(p.Err.Error())
	}
	return b.String()
}

func (p *protocolError) Is(target error) bool {
	return target == ErrProtocol
}

func (p *protocolError) Unwrap() error {
	return p.Err
}

// ServiceError is a FAIL status returned by a service. It matches [ErrServer].
type ServiceError struct {
	Status  Status
	Message string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return ErrServer.Error()
	}
	return ErrServer.Error() + ": " + e.Message
}

func (e *ServiceError) Is(target error) bool {
	return target == ErrServer
}

// AuthenticationError is returned when the handshake could not authenticate.
// It matches [ErrAuthentication].
type AuthenticationError struct {
	Attempts     int  // number of signatures rejected
	SentPubkey   bool // whether we offered our public key
	NoCredential bool // whether no keys were available
}

func (e *AuthenticationError) Error() string {
	switch {
	case e.NoCredential:
		return ErrAuthentication.Error() + ": no keys available"
	case e.SentPubkey:
		return fmt.Sprintf("%s: device rejected %d signatures and the public key", ErrAuthentication, e.Attempts)
	default:
		return fmt.Sprintf("%s: device rejected %d signatures", ErrAuthentication, e.Attempts)
	}
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// StreamRejectedError is returned when the device closes a stream before
// accepting it. If it was never assigned a remote id, it matches
// [ErrServiceUnavailable], otherwise [ErrStreamRejected].
type StreamRejectedError struct {
	Service string
	Remote  uint32
}

func (e *StreamRejectedError) Error() string {
	if e.Remote == 0 {
		return fmt.Sprintf("%s: %q", ErrServiceUnavailable, e.Service)
	}
	return fmt.Sprintf("%s: %q (remote %d)", ErrStreamRejected, e.Service, e.Remote)
}

func (e *StreamRejectedError) Is(target error) bool {
	if e.Remote == 0 {
		return target == ErrServiceUnavailable
	}
	return target == ErrStreamRejected
}

// ConnectionClosedError is returned by operations on a stream after the
// connection it belongs to is terminated. It matches [ErrConnectionClosed]
// and unwraps to the cause.
type ConnectionClosedError struct {
	Cause error
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause == nil || errors.Is(e.Cause, ErrConnectionClosed) {
		return ErrConnectionClosed.Error()
	}
	return ErrConnectionClosed.Error() + ": " + e.Cause.Error()
}

func (e *ConnectionClosedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

func (e *ConnectionClosedError) Unwrap() error {
	return e.Cause
}
