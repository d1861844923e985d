package aproto

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// Conn reads and writes packets on a byte stream. Once an error occurs, it is
// saved and all future reads and writes fail. Read and Write may be called
// concurrently with each other, but each of them must not be called
// concurrently with itself.
type Conn struct {
	rw io.ReadWriter

	version    atomic.Uint32
	maxPayload atomic.Uint32

	rhdr [MessageSize]byte
	rbuf []byte
	wbuf []byte

	errMu sync.Mutex
	err   error
}

// New creates a new Conn. Until [Conn.SetProtocol] is called, it uses
// [VersionMin] (i.e., checksums are sent) and accepts payloads up to
// [MaxPayloadSize]. Received checksums are verified unless they are zero.
func New(rw io.ReadWriter) *Conn {
	c := &Conn{rw: rw}
	c.version.Store(VersionMin)
	c.maxPayload.Store(MaxPayloadSize)
	return c
}

// SetProtocol sets the negotiated protocol version and max payload size.
func (c *Conn) SetProtocol(version, maxPayload uint32) {
	c.version.Store(version)
	c.maxPayload.Store(maxPayload)
}

// Version returns the current protocol version.
func (c *Conn) Version() uint32 {
	return c.version.Load()
}

// MaxPayload returns the current max payload size.
func (c *Conn) MaxPayload() uint32 {
	return c.maxPayload.Load()
}

// Read reads a packet. The returned payload is only valid until the next call
// to Read. If it returns false, the connection is no longer usable, and
// [Conn.Error] will return the reason.
func (c *Conn) Read() (Message, []byte, bool) {
	if c.Error() != nil {
		return Message{}, nil, false
	}

	var msg Message
	if _, err := io.ReadFull(c.rw, c.rhdr[:]); err != nil {
		c.setError(fmt.Errorf("read header: %w", err))
		return msg, nil, false
	}
	if err := msg.UnmarshalBinary(c.rhdr[:]); err != nil {
		c.setError(adbproto.ProtocolErrorf("read header: %w", err))
		return msg, nil, false
	}
	if !msg.IsMagicValid() {
		c.setError(adbproto.ProtocolErrorf("invalid magic for %s (%08X)", msg.Command, msg.Magic))
		return msg, nil, false
	}
	if max := c.MaxPayload(); msg.DataLength > max {
		c.setError(adbproto.ProtocolErrorf("%s payload too large (%d > %d)", msg.Command, msg.DataLength, max))
		return msg, nil, false
	}

	if cap(c.rbuf) < int(msg.DataLength) {
		c.rbuf = make([]byte, msg.DataLength)
	}
	data := c.rbuf[:msg.DataLength]
	if _, err := io.ReadFull(c.rw, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.setError(fmt.Errorf("read %s payload: %w", msg.Command, err))
		return msg, nil, false
	}
	// adbd sends a zero checksum once it has seen our CNXN, even before it
	// replies with its own, so only non-zero checksums are checked.
	if msg.DataCheck != 0 {
		if sum := Checksum(data); sum != msg.DataCheck {
			c.setError(adbproto.ProtocolErrorf("%s checksum mismatch (got %08X, expected %08X)", msg.Command, msg.DataCheck, sum))
			return msg, nil, false
		}
	}
	return msg, data, true
}

// Write writes a packet as a single write to the underlying stream. If the
// write times out before anything was written (i.e., the stream returned
// [os.ErrDeadlineExceeded] with n == 0), the error is returned but the
// connection remains usable. Any other error makes the connection unusable.
func (c *Conn) Write(cmd Command, arg0, arg1 uint32, data []byte) error {
	if err := c.Error(); err != nil {
		return err
	}
	if max := c.MaxPayload(); uint32(len(data)) > max {
		err := adbproto.ProtocolErrorf("%s payload too large (%d > %d)", cmd, len(data), max)
		c.setError(err)
		return err
	}
	msg := NewMessage(cmd, arg0, arg1, data, c.Version() < VersionSkipChecksum)
	c.wbuf, _ = Packet{msg, data}.AppendBinary(c.wbuf[:0])
	if n, err := c.rw.Write(c.wbuf); err != nil {
		if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
		err = fmt.Errorf("write %s: %w", cmd, err)
		c.setError(err)
		return err
	}
	return nil
}

// Error returns the error which made the connection unusable, if any.
func (c *Conn) Error() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Fail marks the connection as unusable if it isn't already.
func (c *Conn) Fail(err error) {
	if err == nil {
		panic("aproto: nil error")
	}
	c.setError(err)
}

func (c *Conn) setError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
