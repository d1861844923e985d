package adb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/shellproto2"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/services.cpp;drc=a9b3987d2a42a40de0d67fcecb50c9716639ef03

// MaxResponse limits the amount of data read by [Request].
const MaxResponse = 1024 * 1024

// Request opens svc, then reads the response until the device closes the
// stream.
func Request(ctx context.Context, srv Dialer, svc string) ([]byte, error) {
	conn, err := srv.DialADB(ctx, svc)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	buf, err := io.ReadAll(io.LimitReader(conn, MaxResponse+1))
	if err != nil {
		if ctx.Err() != nil {
			return buf, fmt.Errorf("%s: %w", svc, ctx.Err())
		}
		return buf, fmt.Errorf("%s: read response: %w", svc, err)
	}
	if len(buf) > MaxResponse {
		return buf[:MaxResponse], fmt.Errorf("%s: response too long", svc)
	}
	return buf, nil
}

// Shell executes a command using the shell v1 protocol. This will always
// allocate a pty which will cook the input/output.
func Shell(ctx context.Context, srv Dialer, command string) (net.Conn, error) {
	return srv.DialADB(ctx, "shell:"+command)
}

// Exec executes a command using the exec protocol, which enables raw mode to
// prevent the output or input from being mangled. This should be used when
// using commands which read or write binary data.
func Exec(ctx context.Context, srv Dialer, command string) (net.Conn, error) {
	return srv.DialADB(ctx, "exec:"+command)
}

// ShellConn2 wraps a [net.Conn] and [*shellproto2.Conn].
type ShellConn2 struct {
	*shellproto2.Conn
	NetConn net.Conn
}

func NewShellConn2(conn net.Conn) *ShellConn2 {
	return &ShellConn2{
		NetConn: conn,
		Conn:    shellproto2.New(conn),
	}
}

func (s *ShellConn2) Close() error {
	return s.NetConn.Close()
}

// Shell2 opens a shell v2 connection. You can use [shellproto2.ServiceBuilder]
// to build svc. The dialer must support [adbproto.FeatureShell2].
func Shell2(ctx context.Context, srv Dialer, svc string) (*ShellConn2, error) {
	if x, ok := strings.CutPrefix(svc, "shell,v2"); !ok || len(x) == 0 || !(x[0] == ',' || x[0] == ':') {
		return nil, fmt.Errorf("invalid shell v2 service %q", svc)
	}
	if err := SupportsFeature(srv, adbproto.FeatureShell2); err != nil {
		return nil, err
	}
	conn, err := srv.DialADB(ctx, svc)
	if err != nil {
		return nil, err
	}
	return NewShellConn2(conn), nil
}

// Sync opens a sync connection. See the adbsync package for a client.
func Sync(ctx context.Context, srv Dialer) (net.Conn, error) {
	return srv.DialADB(ctx, "sync:")
}

// Reboot reboots the device into target, which may be empty, "bootloader",
// "recovery", "sideload", "sideload-auto-reboot", "fastboot" or
// "edl". The device usually closes the stream without a response, but some
// failures (e.g., an unknown target) are reported as text.
func Reboot(ctx context.Context, srv Dialer, target string) error {
	if strings.ContainsAny(target, ":\x00") {
		return fmt.Errorf("invalid reboot target %q", target)
	}
	buf, err := Request(ctx, srv, "reboot:"+target)
	if err != nil {
		return err
	}
	if msg := string(bytes.TrimSpace(buf)); msg != "" {
		return &adbproto.ServiceError{Status: adbproto.StatusFail, Message: msg}
	}
	return nil
}

// Root restarts adbd as root. On success, the device will drop the connection
// shortly after, so callers will need to reconnect.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/restart_service.cpp;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1
func Root(ctx context.Context, srv Dialer) (string, error) {
	return restart(ctx, srv, "root:")
}

// Unroot restarts adbd as a non-root user.
func Unroot(ctx context.Context, srv Dialer) (string, error) {
	return restart(ctx, srv, "unroot:")
}

// TCPIP restarts adbd listening on the specified TCP port.
func TCPIP(ctx context.Context, srv Dialer, port int) (string, error) {
	if port <= 0 || port > 0xFFFF {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return restart(ctx, srv, "tcpip:"+strconv.Itoa(port))
}

// USB restarts adbd listening on USB.
func USB(ctx context.Context, srv Dialer) (string, error) {
	return restart(ctx, srv, "usb:")
}

// restart requests a service which restarts adbd and returns the message. adbd
// doesn't have a status for these services, so we need to check the message.
func restart(ctx context.Context, srv Dialer, svc string) (string, error) {
	buf, err := Request(ctx, srv, svc)
	if err != nil {
		return "", err
	}
	msg := string(bytes.TrimSpace(buf))
	switch {
	case strings.HasPrefix(msg, "restarting"):
	case strings.HasPrefix(msg, "adbd is already running as"):
	case strings.HasPrefix(msg, "adbd not running as root"):
	case msg == "":
		return "", adbproto.ProtocolErrorf("%s: empty response", svc)
	default:
		return msg, &adbproto.ServiceError{Status: adbproto.StatusFail, Message: msg}
	}
	return msg, nil
}
