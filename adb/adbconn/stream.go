package adbconn

import (
	"cmp"
	"fmt"
	"net"
	"time"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/aproto"
)

// StreamState is the state of a stream.
type StreamState int

const (
	StateOpening StreamState = iota // OPEN sent, waiting for the device
	StateOpen                       // accepted by the device
	StateClosing                    // CLSE being sent
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("StreamState(%d)", int(s))
}

var errClosedByPeer = fmt.Errorf("%w (by device)", net.ErrClosed)

// Stream is a bidirectional stream to a service on the device. It implements
// [net.Conn]. Writes are split into packets of at most the negotiated max
// payload, and only one packet is in flight at a time. Reads return buffered
// data, then [io.EOF] once the device closes the stream. If the connection is
// terminated, reads and writes fail with an error matching
// [adbproto.ErrConnectionClosed].
type Stream struct {
	conn    *Conn
	svc     string
	local   uint32
	opened  chan struct{}
	openErr error

	// protected by conn.mu
	remote    uint32
	state     StreamState
	abandoned bool

	// set before opened is closed
	ls *aproto.LocalSocket
	rs *aproto.RemoteSocket
}

var _ net.Conn = (*Stream)(nil)

// Service returns the service name the stream was opened with.
func (s *Stream) Service() string {
	return s.svc
}

// LocalID returns the local stream id.
func (s *Stream) LocalID() uint32 {
	return s.local
}

// RemoteID returns the remote stream id.
func (s *Stream) RemoteID() uint32 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.remote
}

// State returns the current state of the stream.
func (s *Stream) State() StreamState {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.state
}

// Buffered returns the number of bytes which have been received but not read.
func (s *Stream) Buffered() int {
	return s.ls.Buffered()
}

// Read reads data from the stream.
func (s *Stream) Read(b []byte) (int, error) {
	return s.ls.Read(b)
}

// Write writes data to the stream, blocking until the device has acknowledged
// all but the last packet.
func (s *Stream) Write(b []byte) (int, error) {
	return s.rs.Write(b)
}

// Close closes the stream, interrupting pending reads and writes. It is
// idempotent.
func (s *Stream) Close() error {
	c := s.conn

	c.mu.Lock()
	if c.streams[s.local] != s || s.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	delete(c.streams, s.local)
	s.state = StateClosing
	c.mu.Unlock()

	s.ls.Close()
	s.rs.Close()
	err := c.send(aproto.A_CLSE, s.local, s.remote, nil)

	c.mu.Lock()
	s.state = StateClosed
	c.mu.Unlock()

	debug.Debug("closed", "local", s.local, "remote", s.remote)
	if c.trace.StreamClosed != nil {
		c.trace.StreamClosed(s.local, s.remote, nil)
	}
	return err
}

// LocalAddr returns the local address of the underlying connection.
func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns an [Addr] for the service.
func (s *Stream) RemoteAddr() net.Addr {
	return Addr{Transport: s.conn.RemoteAddr(), Service: s.svc}
}

// SetDeadline sets the read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	s.ls.SetDeadline(t)
	s.rs.SetDeadline(t)
	return nil
}

// SetReadDeadline sets the deadline for pending and future reads.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.ls.SetDeadline(t)
	return nil
}

// SetWriteDeadline sets the deadline for waiting for the device to acknowledge
// previous writes.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.rs.SetDeadline(t)
	return nil
}

// handleOkay handles an OKAY from the device, which either accepts the stream
// or acknowledges a WRTE.
func (s *Stream) handleOkay(remote uint32) bool {
	c := s.conn

	c.mu.Lock()
	switch s.state {
	case StateOpening:
		if remote == 0 {
			c.mu.Unlock()
			return false
		}
		if s.abandoned {
			delete(c.streams, s.local)
			s.state = StateClosed
			c.mu.Unlock()
			debug.Debug("closing abandoned stream", "local", s.local, "remote", remote)
			c.send(aproto.A_CLSE, s.local, remote, nil)
			return true
		}
		s.remote = remote
		s.ls = &aproto.LocalSocket{
			Local:      s.local,
			Remote:     remote,
			BufferSize: max(cmp.Or(c.cfg.StreamBufferSize, c.maxPayload*2), c.maxPayload),
		}
		s.rs = &aproto.RemoteSocket{
			Local:      s.local,
			Remote:     remote,
			MaxPayload: c.maxPayload,
			Send:       c.send,
		}
		s.state = StateOpen
		close(s.opened)
		c.mu.Unlock()

		debug.Debug("opened", "local", s.local, "remote", remote, "svc", s.svc)
		if c.trace.StreamOpened != nil {
			c.trace.StreamOpened(s.local, remote)
		}
		return true

	case StateOpen:
		rs := s.rs
		c.mu.Unlock()
		return rs.Handle(aproto.Packet{Message: aproto.Message{Command: aproto.A_OKAY, Arg0: remote, Arg1: s.local}})
	}
	c.mu.Unlock()
	return false
}

// handleWrite copies data from the device into the stream buffer, then
// acknowledges it. It blocks while the buffer is full.
func (s *Stream) handleWrite(pkt aproto.Packet) bool {
	c := s.conn

	c.mu.Lock()
	state, remote := s.state, s.remote
	c.mu.Unlock()

	if state != StateOpen || pkt.Arg0 != remote {
		return false
	}
	if !s.ls.Handle(pkt) {
		return false
	}
	c.send(aproto.A_OKAY, s.local, remote, nil)
	return true
}

// handleClose handles a CLSE from the device, which either rejects the stream
// or closes it.
func (s *Stream) handleClose(remote uint32) bool {
	c := s.conn

	c.mu.Lock()
	if c.streams[s.local] != s {
		c.mu.Unlock()
		return false
	}
	switch s.state {
	case StateOpening:
		delete(c.streams, s.local)
		s.state = StateClosed
		s.openErr = &adbproto.StreamRejectedError{Service: s.svc, Remote: remote}
		close(s.opened)
		c.mu.Unlock()

		debug.Debug("rejected", "local", s.local, "remote", remote, "svc", s.svc)
		if c.trace.StreamRejected != nil {
			c.trace.StreamRejected(s.local, s.openErr)
		}
		return true

	case StateOpen:
		if remote != 0 && remote != s.remote {
			c.mu.Unlock()
			return false
		}
		delete(c.streams, s.local)
		s.state = StateClosed
		c.mu.Unlock()

		s.ls.Handle(aproto.Packet{Message: aproto.Message{Command: aproto.A_CLSE, Arg0: s.remote, Arg1: s.local}})
		s.rs.Reset(errClosedByPeer)
		c.send(aproto.A_CLSE, s.local, s.remote, nil)

		debug.Debug("closed by device", "local", s.local, "remote", s.remote)
		if c.trace.StreamClosed != nil {
			c.trace.StreamClosed(s.local, s.remote, nil)
		}
		return true
	}
	c.mu.Unlock()
	return false
}

// Addr is the address of a service on a device.
type Addr struct {
	Transport net.Addr
	Service   string
}

func (a Addr) Network() string {
	return "adb"
}

func (a Addr) String() string {
	if a.Transport == nil {
		return a.Service
	}
	return a.Transport.String() + "/" + a.Service
}

