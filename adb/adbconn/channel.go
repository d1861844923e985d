package adbconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// Channel is a bidirectional byte channel to adbd with per-call timeouts. A
// write either transfers all of the data or none of it. If a write fails part
// way through, the channel is closed since the peer's framing is unknown.
//
// Reads and writes may happen concurrently with each other, but concurrent
// reads (or writes) are serialized.
type Channel struct {
	rmu  sync.Mutex
	wmu  sync.Mutex
	dmu  sync.Mutex
	raw  net.Conn
	conn net.Conn
	tls  bool
	tlsc tls.ConnectionState

	rdl time.Time
	wdl time.Time
	wto time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	cause     error
}

var _ io.ReadWriteCloser = (*Channel)(nil)

// NewChannel wraps conn.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		raw:    conn,
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// ReadTimeout reads up to len(b) bytes. If d is positive, the read fails with
// [adbproto.ErrTimeout] if nothing arrives within d (or before the deadline set
// with [Channel.SetDeadline], whichever is earlier). A timed-out read leaves
// the channel usable.
func (c *Channel) ReadTimeout(b []byte, d time.Duration) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if err := c.closedErr(); err != nil {
		return 0, err
	}
	c.dmu.Lock()
	c.conn.SetReadDeadline(combineDeadline(c.rdl, d))
	c.dmu.Unlock()

	n, err := c.conn.Read(b)
	if err != nil {
		return n, c.mapErr(err, false)
	}
	return n, nil
}

// WriteTimeout writes all of b. If d is positive, the write fails with
// [adbproto.ErrTimeout] if it doesn't complete within d. If nothing was written
// before the timeout, the channel remains usable. Otherwise, the channel is
// closed.
func (c *Channel) WriteTimeout(b []byte, d time.Duration) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.closedErr(); err != nil {
		return 0, err
	}
	c.dmu.Lock()
	c.conn.SetWriteDeadline(combineDeadline(c.wdl, d))
	c.dmu.Unlock()

	n, err := c.conn.Write(b)
	if err == nil {
		return n, nil
	}
	if n == 0 && !c.tls && errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, adbproto.ErrTimeout
	}
	if n > 0 && n < len(b) {
		err = adbproto.ProtocolErrorf("partial write (%d/%d bytes): %w", n, len(b), err)
		c.closeWith(err)
		return n, err
	}
	return n, c.mapErr(err, true)
}

// Read is ReadTimeout without a timeout.
func (c *Channel) Read(b []byte) (int, error) {
	return c.ReadTimeout(b, 0)
}

// Write is WriteTimeout with the timeout set by [Channel.SetWriteTimeout].
func (c *Channel) Write(b []byte) (int, error) {
	c.dmu.Lock()
	d := c.wto
	c.dmu.Unlock()
	return c.WriteTimeout(b, d)
}

// SetWriteTimeout sets the timeout used by Write.
func (c *Channel) SetWriteTimeout(d time.Duration) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.wto = d
}

// SetDeadline sets an absolute deadline for all reads and writes, including
// pending ones. A zero value clears it.
func (c *Channel) SetDeadline(t time.Time) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.rdl, c.wdl = t, t
	c.conn.SetDeadline(t)
}

// StartTLS upgrades the channel to TLS as the client. It must not be called
// concurrently with reads or writes.
func (c *Channel) StartTLS(ctx context.Context, cfg *tls.Config) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.closedErr(); err != nil {
		return err
	}
	tc := tls.Client(c.conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		err = c.mapErr(err, true)
		c.closeWith(err)
		return err
	}
	c.dmu.Lock()
	c.conn = tc
	c.tls = true
	c.tlsc = tc.ConnectionState()
	c.dmu.Unlock()
	return nil
}

// ConnectionState returns the TLS state, if StartTLS was successful.
func (c *Channel) ConnectionState() (tls.ConnectionState, bool) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	return c.tlsc, c.tls
}

// LocalAddr returns the address of the underlying connection.
func (c *Channel) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

// RemoteAddr returns the address of the underlying connection.
func (c *Channel) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close closes the channel, interrupting pending reads and writes. It is
// idempotent.
func (c *Channel) Close() error {
	c.closeWith(nil)
	return nil
}

// Closed returns a channel which is closed after the channel is.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

func (c *Channel) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.cause = cause
		close(c.closed)
		c.dmu.Lock()
		conn := c.conn
		c.dmu.Unlock()
		conn.Close()
	})
}

func (c *Channel) closedErr() error {
	select {
	case <-c.closed:
		return &adbproto.ConnectionClosedError{Cause: c.cause}
	default:
		return nil
	}
}

// mapErr converts an error from the underlying connection, closing the channel
// if it is no longer usable.
func (c *Channel) mapErr(err error, write bool) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if write || c.tls {
			c.closeWith(err)
		}
		return adbproto.ErrTimeout
	}
	if err := c.closedErr(); err != nil {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
		c.closeWith(err)
		return &adbproto.ConnectionClosedError{Cause: err}
	}
	c.closeWith(err)
	return err
}

func combineDeadline(base time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return base
	}
	t := time.Now().Add(d)
	if !base.IsZero() && base.Before(t) {
		return base
	}
	return t
}
