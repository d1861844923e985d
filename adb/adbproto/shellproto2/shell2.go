// Package shellproto2 implements the framing used by shell,v2 services.
//
// Each packet is a 1 byte id, a 4 byte little-endian length, and the data.
// The device sends stdout, stderr, and finally an exit packet with a single
// byte status. The client sends stdin, close-stdin, and window size changes.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/shell_protocol.h;drc=90228a63bb6a59e8195165fbb7c332be27459696
package shellproto2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// PacketID identifies the stream a packet belongs to.
type PacketID uint8

const (
	PacketStdin            PacketID = iota
	PacketStdout                    // from the device
	PacketStderr                    // from the device
	PacketExit                      // from the device, one byte status
	PacketCloseStdin                // closes the process stdin, if it is a pipe
	PacketWindowSizeChange          // "RxC,XxY", see [WinSize]
	PacketInvalid          PacketID = 255
)

var packetNames = [...]string{
	PacketStdin:            "stdin",
	PacketStdout:           "stdout",
	PacketStderr:           "stderr",
	PacketExit:             "exit",
	PacketCloseStdin:       "close-stdin",
	PacketWindowSizeChange: "window-size",
}

func (id PacketID) String() string {
	if int(id) < len(packetNames) {
		return packetNames[id]
	}
	return "PacketID(" + strconv.Itoa(int(id)) + ")"
}

const (
	// MaxPayload is the most data read or written at once. Longer packets
	// from the device are returned in pieces, so it need not match adbd.
	MaxPayload = 32 << 10

	HeaderSize = 5
)

// WinSize is the payload of [PacketWindowSizeChange].
type WinSize struct {
	Row, Col       int
	XPixel, YPixel int
}

// AppendBinary appends the encoded window size to b.
func (s WinSize) AppendBinary(b []byte) []byte {
	return fmt.Appendf(b, "%dx%d,%dx%d", s.Row, s.Col, s.XPixel, s.YPixel)
}

// ParseWinSize decodes the payload of a [PacketWindowSizeChange].
func ParseWinSize(b []byte) (s WinSize, err error) {
	if _, err = fmt.Sscanf(string(b), "%dx%d,%dx%d", &s.Row, &s.Col, &s.XPixel, &s.YPixel); err != nil {
		err = adbproto.ProtocolErrorf("parse window size %q: %w", b, err)
	}
	return
}

// ExitStatus decodes the payload of a [PacketExit].
func ExitStatus(b []byte) (int, error) {
	if n := len(b); n != 1 {
		return -1, adbproto.ProtocolErrorf("exit packet has %d bytes, expected 1", n)
	}
	return int(b[0]), nil
}

// Conn reads and writes packets on a stream. One reader and one writer may
// use it at the same time. After a read fails, Read returns that error from
// then on, and likewise for Write.
type Conn struct {
	rw io.ReadWriter

	rid  PacketID
	rrem int // unread bytes of the current packet
	rbuf []byte
	wbuf []byte

	errMu sync.Mutex
	rerr  error
	werr  error
	err   error // first of rerr and werr
}

// New returns a Conn on rw.
func New(rw io.ReadWriter) *Conn {
	return &Conn{
		rw:   rw,
		rbuf: make([]byte, MaxPayload),
		wbuf: make([]byte, HeaderSize+MaxPayload),
	}
}

// Read returns the next packet. Packets longer than [MaxPayload] are returned
// as consecutive parts with the same id. The data is only valid until the next
// Read.
func (c *Conn) Read() (PacketID, []byte, error) {
	if err := c.sticky(&c.rerr); err != nil {
		return PacketInvalid, nil, err
	}
	if c.rrem == 0 {
		var hdr [HeaderSize]byte
		if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				err = fmt.Errorf("read header: %w", err)
			}
			return PacketInvalid, nil, c.fail(&c.rerr, err)
		}
		c.rid, c.rrem = PacketID(hdr[0]), int(binary.LittleEndian.Uint32(hdr[1:]))
	}
	data := c.rbuf[:min(c.rrem, MaxPayload)]
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return PacketInvalid, nil, c.fail(&c.rerr, fmt.Errorf("read %s data: %w", c.rid, err))
	}
	c.rrem -= len(data)
	return c.rid, data[:len(data):len(data)], nil
}

// Write sends data as one or more packets. An empty packet is sent if data is
// empty.
func (c *Conn) Write(id PacketID, data []byte) error {
	for first := true; first || len(data) != 0; first = false {
		if err := c.sticky(&c.werr); err != nil {
			return err
		}
		n := copy(c.wbuf[HeaderSize:], data)
		c.wbuf[0] = byte(id)
		binary.LittleEndian.PutUint32(c.wbuf[1:], uint32(n))
		if _, err := c.rw.Write(c.wbuf[:HeaderSize+n]); err != nil {
			return c.fail(&c.werr, fmt.Errorf("write %s: %w", id, err))
		}
		data = data[n:]
	}
	return nil
}

// Error returns the first read or write error encountered, if any.
func (c *Conn) Error() error {
	return c.sticky(&c.err)
}

func (c *Conn) sticky(which *error) error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return *which
}

func (c *Conn) fail(which *error, err error) error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if *which == nil {
		*which = err
	}
	if c.err == nil {
		c.err = err
	}
	return *which
}
