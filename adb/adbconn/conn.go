package adbconn

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pgaskin/go-adbmux/adb/adbkey"
	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/aproto"
)

// Config configures a Conn. A nil or zero Config is valid, but the handshake
// will fail if the device requires authentication.
type Config struct {
	// Keys are used in order to sign AUTH tokens. If the device rejects all of
	// them, the public key of the first one is offered. The first key is also
	// used for TLS.
	Keys []*adbkey.Key

	// Features to advertise. If nil, [adbproto.HostFeatures] is used.
	Features []adbproto.Feature

	// MaxPayload is the max payload size to advertise. It is clamped to
	// [aproto.MinPayloadSize, aproto.MaxPayloadSize]. The negotiated value is
	// the smaller of this and the device's.
	MaxPayload uint32

	// HandshakeTimeout limits the handshake in addition to the context. Note
	// that waiting for the user to accept the authorization prompt counts
	// towards it.
	HandshakeTimeout time.Duration

	// WriteTimeout limits each packet write. If zero, writes can block
	// indefinitely if the device stops reading.
	WriteTimeout time.Duration

	// StreamBufferSize is the number of bytes buffered for each stream before
	// the connection stops reading from the device. It is never less than the
	// negotiated max payload. If zero, it is twice the negotiated max payload.
	StreamBufferSize uint32

	// DisableTLS fails the handshake if the device requests STLS.
	DisableTLS bool
}

func (cfg *Config) withDefaults() Config {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.Keys = slices.Clone(c.Keys)
	if c.Features == nil {
		c.Features = adbproto.HostFeatures
	}
	c.MaxPayload = min(max(cmp.Or(c.MaxPayload, aproto.MaxPayloadSize), aproto.MinPayloadSize), aproto.MaxPayloadSize)
	return c
}

// Conn is a client connection to adbd which multiplexes streams. It is safe
// for concurrent use.
//
// A single goroutine reads packets and dispatches them to streams. Data for a
// stream is acknowledged once it has been copied into the stream's buffer, and
// if the buffer is full, reading pauses (for all streams) until the stream is
// read from or closed.
type Conn struct {
	cfg   Config
	ch    *Channel
	ap    *aproto.Conn
	trace ConnTrace

	// set during the handshake
	version    uint32
	maxPayload uint32
	banner     *aproto.Banner
	features   adbproto.FeatureSet

	wmu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
	local   uint32
	err     error

	done chan struct{}
}

// Dial connects to adbd at the specified address (usually tcp, port 5555) and
// performs the handshake.
func Dial(ctx context.Context, network, address string, cfg *Config) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c, err := NewConn(ctx, nc, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	return c, nil
}

// NewConn performs the handshake over nc. The context is only used for the
// handshake and for [ConnTrace] hooks. If the handshake fails, nc is closed.
func NewConn(ctx context.Context, nc net.Conn, cfg *Config) (*Conn, error) {
	c := &Conn{
		cfg:     cfg.withDefaults(),
		ch:      NewChannel(nc),
		streams: make(map[uint32]*Stream),
		done:    make(chan struct{}),
	}
	c.ap = aproto.New(c.ch)
	if t := contextConnTrace(ctx); t != nil {
		c.trace = *t
	}
	c.ch.SetWriteTimeout(c.cfg.WriteTimeout)

	if err := c.handshake(ctx); err != nil {
		debug.Info("handshake failed", "remote", nc.RemoteAddr(), "error", err)
		c.ch.Close()
		return nil, err
	}
	go c.run()
	return c, nil
}

// Banner returns the banner sent by the device.
func (c *Conn) Banner() *aproto.Banner {
	return c.banner
}

// Version returns the negotiated protocol version.
func (c *Conn) Version() uint32 {
	return c.version
}

// MaxPayload returns the negotiated max payload size.
func (c *Conn) MaxPayload() uint32 {
	return c.maxPayload
}

// Features returns the features supported by both sides.
func (c *Conn) Features() adbproto.FeatureSet {
	return maps.Clone(c.features)
}

// SupportsFeature checks if a feature is supported by both sides.
func (c *Conn) SupportsFeature(f adbproto.Feature) bool {
	return c.features.Has(f)
}

// LocalAddr returns the local address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.ch.LocalAddr()
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ch.RemoteAddr()
}

// Done returns a channel which is closed after the connection is terminated
// and all streams have been reset.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was terminated, or nil if it is still
// open. If it was closed with [Conn.Close], it is [net.ErrClosed].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. All open streams are reset with an error
// matching [adbproto.ErrConnectionClosed]. It is idempotent.
func (c *Conn) Close() error {
	c.terminate(net.ErrClosed)
	<-c.done
	return nil
}

// DialADB implements [adb.Dialer].
func (c *Conn) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	s, err := c.OpenStream(ctx, svc)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenStream opens a stream to a service on the device. If the device refuses
// it, the error matches [adbproto.ErrServiceUnavailable] or
// [adbproto.ErrStreamRejected]. If the context is cancelled while waiting, the
// stream is abandoned and will be closed if the device accepts it later.
func (c *Conn) OpenStream(ctx context.Context, svc string) (*Stream, error) {
	if svc == "" || strings.IndexByte(svc, 0) != -1 {
		return nil, fmt.Errorf("open %q: invalid service name", svc)
	}
	payload := append([]byte(svc), 0)
	if uint32(len(payload)) > c.maxPayload {
		return nil, fmt.Errorf("open %q: service name too long", svc)
	}

	s := &Stream{
		conn:   c,
		svc:    svc,
		opened: make(chan struct{}),
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, &adbproto.ConnectionClosedError{Cause: c.err}
	}
	s.local = c.allocLocked()
	c.streams[s.local] = s
	c.mu.Unlock()

	debug.Debug("open", "local", s.local, "svc", svc)
	if c.trace.StreamOpen != nil {
		c.trace.StreamOpen(s.local, svc)
	}
	if err := c.send(aproto.A_OPEN, s.local, 0, payload); err != nil {
		c.mu.Lock()
		if c.streams[s.local] == s {
			delete(c.streams, s.local)
			s.state = StateClosed
		}
		cerr := c.err
		c.mu.Unlock()
		if cerr != nil {
			return nil, &adbproto.ConnectionClosedError{Cause: cerr}
		}
		return nil, fmt.Errorf("open %q: %w", svc, err)
	}

	select {
	case <-s.opened:
	case <-ctx.Done():
		c.mu.Lock()
		if s.state == StateOpening {
			s.abandoned = true
			c.mu.Unlock()
			debug.Debug("abandoned", "local", s.local, "svc", svc)
			return nil, ctx.Err()
		}
		c.mu.Unlock()
		<-s.opened
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s, nil
}

// allocLocked returns an unused nonzero local id.
func (c *Conn) allocLocked() uint32 {
	for {
		c.local++
		if c.local == 0 {
			continue
		}
		if _, ok := c.streams[c.local]; !ok {
			return c.local
		}
	}
}

// send writes a packet. If the error is not a timeout, the connection will be
// terminated.
func (c *Conn) send(cmd aproto.Command, arg0, arg1 uint32, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.trace.PacketSent != nil {
		c.trace.PacketSent(cmd, arg0, arg1, data)
	}
	if err := c.ap.Write(cmd, arg0, arg1, data); err != nil {
		if c.ap.Error() != nil {
			c.ch.Close() // wake up the reader so it terminates the connection
		}
		return err
	}
	return nil
}

func (c *Conn) stream(local uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[local]
}

// run reads and dispatches packets until the connection fails.
func (c *Conn) run() {
	debug := debug.With("remote", c.ch.RemoteAddr().String())
	for {
		msg, data, ok := c.ap.Read()
		if !ok {
			err := c.ap.Error()
			debug.Info("disconnected", "error", err)
			c.terminate(err)
			return
		}
		pkt := aproto.Packet{Message: msg, Payload: data}
		if c.trace.PacketReceived != nil {
			c.trace.PacketReceived(pkt)
		}

		switch msg.Command {
		case aproto.A_OKAY:
			s := c.stream(msg.Arg1)
			if s == nil || !s.handleOkay(msg.Arg0) {
				goto ignore
			}

		case aproto.A_WRTE:
			s := c.stream(msg.Arg1)
			if s == nil || !s.handleWrite(pkt) {
				goto ignore
			}

		case aproto.A_CLSE:
			s := c.stream(msg.Arg1)
			if s == nil || !s.handleClose(msg.Arg0) {
				goto ignore
			}

		case aproto.A_OPEN:
			// we don't provide any services to the device
			debug.Debug("refusing open", "remote_id", msg.Arg0, "svc", string(data))
			if msg.Arg0 != 0 {
				c.send(aproto.A_CLSE, 0, msg.Arg0, nil)
			}

		case aproto.A_CNXN:
			err := adbproto.ProtocolErrorf("unexpected CNXN after handshake (device restarted?)")
			debug.Warn("disconnected", "error", err)
			c.ap.Fail(err)
			c.terminate(err)
			return

		default:
			goto ignore
		}
		continue

	ignore:
		debug.Debug("ignored packet", "cmd", msg.Command, "arg0", msg.Arg0, "arg1", msg.Arg1, "len", len(data))
		if c.trace.PacketIgnored != nil {
			c.trace.PacketIgnored(pkt)
		}
	}
}

// terminate closes the connection and resets every stream exactly once.
func (c *Conn) terminate(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = adbproto.ErrConnectionClosed
	}
	c.err = err

	type reset struct {
		s     *Stream
		state StreamState
	}
	resets := make([]reset, 0, len(c.streams))
	for _, id := range slices.Sorted(maps.Keys(c.streams)) {
		s := c.streams[id]
		resets = append(resets, reset{s, s.state})
		s.state = StateClosed
	}
	clear(c.streams)
	c.mu.Unlock()

	c.ch.Close()
	c.ap.Fail(err)

	reason := &adbproto.ConnectionClosedError{Cause: err}
	for _, r := range resets {
		switch r.state {
		case StateOpening:
			r.s.openErr = reason
			close(r.s.opened)
			if c.trace.StreamRejected != nil {
				c.trace.StreamRejected(r.s.local, reason)
			}
		default:
			r.s.ls.Reset(reason)
			r.s.rs.Reset(reason)
			if c.trace.StreamClosed != nil {
				c.trace.StreamClosed(r.s.local, r.s.remote, reason)
			}
		}
	}
	close(c.done)

	if c.trace.Closed != nil {
		c.trace.Closed(err)
	}
}
