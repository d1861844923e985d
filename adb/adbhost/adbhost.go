// Package adbhost connects to an ADB host server, which owns the physical
// device connections and multiplexes them for local clients.
package adbhost

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// DefaultAddr is the default address for the ADB host server. It is
// initialized from ANDROID_ADB_SERVER_ADDRESS and ANDROID_ADB_SERVER_PORT like
// the adb command.
var DefaultAddr = defaultAddr()

func defaultAddr() string {
	host, port := "localhost", "5037"
	if v := os.Getenv("ANDROID_ADB_SERVER_ADDRESS"); v != "" {
		host = v
	}
	if v := os.Getenv("ANDROID_ADB_SERVER_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil && n != 0 {
			port = v
		}
	}
	return net.JoinHostPort(host, port)
}

// Dialer connects to services on an ADB host server. The zero value, or a nil
// *Dialer, uses [DefaultAddr].
type Dialer struct {
	// DialContext opens the TCP connection to the server. It defaults to
	// that of a zero [net.Dialer].
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// Addr overrides [DefaultAddr].
	Addr string

	features atomic.Pointer[adbproto.FeatureSet]
}

func (c *Dialer) dialer() (func(context.Context, string, string) (net.Conn, error), string) {
	dial, addr := new(net.Dialer).DialContext, DefaultAddr
	if c != nil {
		if c.DialContext != nil {
			dial = c.DialContext
		}
		if c.Addr != "" {
			addr = c.Addr
		}
	}
	return dial, addr
}

// DialADBHost opens a connection to the server and requests svc. The context
// covers both the dial and waiting for OKAY.
func (c *Dialer) DialADBHost(ctx context.Context, svc string) (net.Conn, error) {
	dial, addr := c.dialer()
	conn, err := dial(ctx, "tcp", addr)
	if err == nil {
		if err = adbService(ctx, conn, svc); err != nil {
			conn.Close()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", svc, err)
	}
	return conn, nil
}

// request reads the single length-prefixed reply to svc.
func (c *Dialer) request(ctx context.Context, svc string) ([]byte, error) {
	conn, err := c.DialADBHost(ctx, svc)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer interruptOnDone(ctx, conn)()

	buf, err := adbproto.ReadProtocolBytes(conn, nil)
	if err != nil {
		return nil, ctxOr(ctx, adbproto.ProtocolErrorf("service %q: read response: %w", svc, err))
	}
	return buf, nil
}

// LoadFeatures fetches the features of the server itself with
// "host:host-features".
func (c *Dialer) LoadFeatures(ctx context.Context) error {
	buf, err := c.request(ctx, "host:host-features")
	if err != nil {
		return err
	}
	fs := adbproto.ParseFeatures(string(buf))
	c.features.Store(&fs)
	return nil
}

// SupportsFeature reports whether the server supports f. It is always false
// before [Dialer.LoadFeatures].
func (c *Dialer) SupportsFeature(f adbproto.Feature) bool {
	return c.Features().Has(f)
}

// Features returns the features loaded by [Dialer.LoadFeatures].
func (c *Dialer) Features() adbproto.FeatureSet {
	if c != nil {
		if fs := c.features.Load(); fs != nil {
			return *fs
		}
	}
	return nil
}

var aLongTimeAgo = time.Unix(1, 0)

// interruptOnDone unblocks reads on conn once ctx is done.
func interruptOnDone(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(aLongTimeAgo)
	})
}

// ctxOr returns the context error in place of err if ctx is done, since err
// is then most likely caused by [interruptOnDone].
func ctxOr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/adb_client.cpp;l=137-156;drc=c58caa21f0c7efccf1ecbd5a5fd1570ff0c246a3
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb_io.cpp;l=68-75;drc=90228a63bb6a59e8195165fbb7c332be27459696

// adbService sends the service request and waits for OKAY or FAIL, bounded by
// the deadline and cancellation of ctx.
func adbService(ctx context.Context, conn net.Conn, svc string) error {
	deadline, _ := ctx.Deadline() // zero if none
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	})

	err := adbproto.SendProtocolString(conn, svc)
	if err != nil {
		err = adbproto.ProtocolErrorf("send service: %w", err)
	} else {
		err = adbproto.ReadOkayFail(conn)
	}

	if !stop() {
		return ctx.Err() // the deadline has been clobbered
	}
	conn.SetDeadline(time.Time{})
	if err != nil {
		return ctxOr(ctx, err)
	}
	return nil
}
