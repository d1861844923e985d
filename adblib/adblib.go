// Package adblib ties the protocol packages together into the usual ways of
// reaching a device. The subpackages build on any [adb.Dialer].
//
// [adb.Dialer]: https://pkg.go.dev/github.com/pgaskin/go-adbmux/adb#Dialer
package adblib

import (
	"context"
	"net"
	"strings"

	"github.com/pgaskin/go-adbmux/adb/adbconn"
	"github.com/pgaskin/go-adbmux/adb/adbhost"
	"github.com/pgaskin/go-adbmux/adb/adbkey"
)

// DefaultDevicePort is the port adbd listens on in tcpip mode.
const DefaultDevicePort = "5555"

// Connect selects a device on the ADB server at addr ([adbhost.DefaultAddr] if
// empty), and loads the features of both.
//
// With a serial, connections follow the device across reconnects. Without
// one, the only attached device is used, and connections stay pinned to it
// even if more are attached later.
func Connect(ctx context.Context, addr, serial string) (*adbhost.TransportDialer, error) {
	host := &adbhost.Dialer{Addr: addr}
	if err := host.LoadFeatures(ctx); err != nil {
		return nil, err
	}
	dev := adbhost.StickyServer(host, adbhost.TransportAny)
	if serial != "" {
		dev = adbhost.Server(host, adbhost.Serial(serial))
	}
	if err := dev.LoadFeatures(ctx); err != nil {
		return nil, err
	}
	return dev, nil
}

// Direct dials adbd at addr over tcp, without an ADB server, and completes the
// handshake using keys. The port defaults to [DefaultDevicePort].
func Direct(ctx context.Context, addr string, keys ...*adbkey.Key) (*adbconn.Conn, error) {
	return adbconn.Dial(ctx, "tcp", DeviceAddr(addr), &adbconn.Config{Keys: keys})
}

// DeviceAddr returns addr with [DefaultDevicePort] if it has no port.
func DeviceAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	} else if port != "" {
		return addr
	}
	return net.JoinHostPort(host, DefaultDevicePort)
}
