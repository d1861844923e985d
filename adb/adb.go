// Package adb implements device services on top of a [Dialer]. A Dialer is
// either a direct connection to adbd ([adbconn.Conn]) or a device selected on
// an ADB host server ([adbhost.TransportDialer]).
//
// [adbconn.Conn]: https://pkg.go.dev/github.com/pgaskin/go-adbmux/adb/adbconn#Conn
// [adbhost.TransportDialer]: https://pkg.go.dev/github.com/pgaskin/go-adbmux/adb/adbhost#TransportDialer
package adb

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// Dialer opens service streams on a device.
//
// The context passed to DialADB only bounds opening the stream, and has no
// effect on the returned conn.
type Dialer interface {
	DialADB(ctx context.Context, svc string) (net.Conn, error)
}

// Features is implemented by dialers which know the device feature set.
type Features interface {
	SupportsFeature(f adbproto.Feature) bool
}

// ErrFeatureNotSupported matches any [*FeatureError].
var ErrFeatureNotSupported = errors.New("feature not supported")

// FeatureError reports that a service needs a feature the device (or host
// server) does not have.
type FeatureError struct {
	Feature adbproto.Feature
}

func (e *FeatureError) Error() string {
	return "feature " + string(e.Feature) + " not supported"
}

// Is matches [ErrFeatureNotSupported] and [errors.ErrUnsupported].
func (e *FeatureError) Is(target error) bool {
	switch target {
	case ErrFeatureNotSupported, errors.ErrUnsupported:
		return true
	}
	return false
}

// SupportsFeature returns a [*FeatureError] unless d implements [Features] and
// has f. Dialers without feature information never support anything.
func SupportsFeature(d Dialer, f adbproto.Feature) error {
	if df, ok := d.(Features); ok && df.SupportsFeature(f) {
		return nil
	}
	return &FeatureError{Feature: f}
}

// aLongTimeAgo is a deadline in the past, used to interrupt blocking reads.
var aLongTimeAgo = time.Unix(1, 0)
