package shellproto2

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

type loopback struct {
	bytes.Buffer
}

func TestConn(t *testing.T) {
	var b loopback
	c := New(&b)

	require.NoError(t, c.Write(PacketStdout, []byte("hello")))
	require.NoError(t, c.Write(PacketStderr, nil))
	require.NoError(t, c.Write(PacketExit, []byte{3}))
	assert.Equal(t, []byte("\x01\x05\x00\x00\x00hello"), b.Bytes()[:10])

	id, data, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, PacketStdout, id)
	assert.Equal(t, "hello", string(data))

	id, data, err = c.Read()
	require.NoError(t, err)
	assert.Equal(t, PacketStderr, id)
	assert.Empty(t, data)

	id, data, err = c.Read()
	require.NoError(t, err)
	assert.Equal(t, PacketExit, id)
	status, err := ExitStatus(data)
	require.NoError(t, err)
	assert.Equal(t, 3, status)

	_, _, err = c.Read()
	assert.ErrorIs(t, err, io.EOF)
	_, _, err = c.Read()
	assert.ErrorIs(t, err, io.EOF, "read errors are sticky")
	assert.NoError(t, c.Write(PacketStdin, nil), "read errors do not affect writes")
}

type halfClosed struct {
	io.Reader
}

func (halfClosed) Write([]byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestConnErrors(t *testing.T) {
	c := New(halfClosed{bytes.NewReader([]byte{byte(PacketStdout), 0x02, 0, 0, 0, 'h', 'i'})})

	err := c.Write(PacketCloseStdin, nil)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.ErrorIs(t, c.Write(PacketStdin, []byte("x")), io.ErrClosedPipe, "write errors are sticky")

	id, data, err := c.Read()
	require.NoError(t, err, "write errors do not affect reads")
	assert.Equal(t, PacketStdout, id)
	assert.Equal(t, "hi", string(data))

	_, _, err = c.Read()
	assert.Equal(t, io.EOF, err, "the read error is reported from the read side")
	assert.ErrorIs(t, c.Error(), io.ErrClosedPipe, "Error returns the first failure")
}

func TestConnSplit(t *testing.T) {
	var b loopback
	data := bytes.Repeat([]byte("x"), MaxPayload*2+10)
	require.NoError(t, New(&b).Write(PacketStdin, data))
	assert.Equal(t, 3*HeaderSize+len(data), b.Len(), "large writes are split into multiple packets")

	// a single large packet is returned in parts
	var big loopback
	big.Write([]byte{byte(PacketStdout), 0x0a, 0x00, 0x01, 0x00})
	big.Write(bytes.Repeat([]byte("y"), 0x1000a))
	c := New(&big)
	var got int
	for got < 0x1000a {
		id, data, err := c.Read()
		require.NoError(t, err)
		assert.Equal(t, PacketStdout, id)
		assert.LessOrEqual(t, len(data), MaxPayload)
		got += len(data)
	}
	assert.Equal(t, 0x1000a, got)
}

func TestConnTruncated(t *testing.T) {
	var b loopback
	b.Write([]byte{byte(PacketStdout), 0x05, 0, 0, 0, 'a'})
	_, _, err := New(&b).Read()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestExitStatus(t *testing.T) {
	_, err := ExitStatus(nil)
	assert.ErrorIs(t, err, adbproto.ErrProtocol)
	_, err = ExitStatus([]byte{1, 2})
	assert.ErrorIs(t, err, adbproto.ErrProtocol)
	s, err := ExitStatus([]byte{255})
	require.NoError(t, err)
	assert.Equal(t, 255, s)
}

func TestWinSize(t *testing.T) {
	s := WinSize{Row: 24, Col: 80, XPixel: 640, YPixel: 480}
	b := s.AppendBinary(nil)
	assert.Equal(t, "24x80,640x480", string(b))
	p, err := ParseWinSize(b)
	require.NoError(t, err)
	assert.Equal(t, s, p)

	_, err = ParseWinSize([]byte("nope"))
	assert.ErrorIs(t, err, adbproto.ErrProtocol)
}

func TestServiceBuilder(t *testing.T) {
	var b ServiceBuilder
	assert.Equal(t, "shell,v2:", b.String())

	b.Raw()
	b.Command("ls -l")
	assert.Equal(t, "shell,v2,raw:ls -l", b.String())

	assert.True(t, b.Term("xterm-256color"))
	assert.False(t, b.Term("a,b"))
	b.PTY()
	assert.Equal(t, "shell,v2,TERM=xterm-256color,pty:ls -l", b.String())
}
