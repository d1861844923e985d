// Package adbnet dials network connections from the device's point of view,
// and forwards local listeners to them.
package adbnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pgaskin/go-adbmux/adb"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/socket_spec.cpp;l=66-76;drc=d690167dc3a1f78d80f63c532dc7a8e2bb43461c
// https://cs.android.com/android/platform/superproject/main/+/main:system/core/libcutils/socket_local_client_unix.cpp;l=45;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1

// Dialer opens connections on the device, like [net.Dialer] does locally.
//
// The supported networks are "tcp" and "unix". "tcp4" and "tcp6" can only be
// used with IP addresses since adbd resolves hostnames itself.
//
// Misbehaving unix sockets can hang adbd until the device is rebooted (see
// [b/418203510]), so prefer tcp or a proxy process on the device.
//
// [b/418203510]: https://issuetracker.google.com/issues/418203510#comment9
type Dialer struct {
	// Server is the device to connect through.
	Server adb.Dialer
}

var errNoServer = errors.New("adbnet: no device")

// Dial connects to address on server.
func Dial(server adb.Dialer, network, address string) (net.Conn, error) {
	return (&Dialer{Server: server}).Dial(network, address)
}

// Dial is like [Dialer.DialContext] without a context.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext connects to address on the device. The context only applies
// until the device accepts the connection.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.Server == nil {
		return nil, errNoServer
	}
	svc, err := Service(network, address)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	return d.Server.DialADB(ctx, svc)
}

// Service returns the adbd socket service for network and address.
func Service(network, address string) (string, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return tcpService(network, address)
	case "unix":
		if name, ok := strings.CutPrefix(address, "@"); ok {
			return "localabstract:" + name, nil
		}
		return "localfilesystem:" + address, nil
	}
	return "", fmt.Errorf("%w: not supported by adb", net.UnknownNetworkError(network))
}

func tcpService(network, address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", err
	}
	if network != "tcp" {
		ip, err := netip.ParseAddr(host)
		switch {
		case err != nil:
			return "", fmt.Errorf("%s requires an ip address, got %q", network, host)
		case (network == "tcp4") != ip.Is4():
			return "", fmt.Errorf("%s address expected, got %s", network, ip)
		}
	}
	n, err := net.LookupPort(network, port)
	if err != nil {
		return "", err
	}
	svc := "tcp:" + strconv.Itoa(n)
	if host != "localhost" {
		svc += ":" + host
	}
	return svc, nil
}
