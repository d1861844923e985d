package adbnet

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService(t *testing.T) {
	for _, tc := range []struct {
		network, address string
		svc              string
		err              bool
	}{
		{"tcp", "localhost:8080", "tcp:8080", false},
		{"tcp", "10.0.2.2:80", "tcp:80:10.0.2.2", false},
		{"tcp", "localhost:http", "tcp:80", false},
		{"tcp4", "127.0.0.1:1", "tcp:1:127.0.0.1", false},
		{"tcp6", "127.0.0.1:1", "", true},
		{"tcp4", "example.com:1", "", true},
		{"tcp", "noport", "", true},
		{"unix", "@jdwp-control", "localabstract:jdwp-control", false},
		{"unix", "/dev/socket/adbd", "localfilesystem:/dev/socket/adbd", false},
		{"udp", "localhost:53", "", true},
	} {
		svc, err := Service(tc.network, tc.address)
		if tc.err {
			assert.Error(t, err, "%s %s", tc.network, tc.address)
			continue
		}
		if assert.NoError(t, err, "%s %s", tc.network, tc.address) {
			assert.Equal(t, tc.svc, svc)
		}
	}
}

// echoDevice echoes data on tcp:7.
type echoDevice struct{}

func (echoDevice) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	if svc != "tcp:7" {
		return nil, errors.New("connection refused")
	}
	c, s := net.Pipe()
	go func() {
		defer s.Close()
		io.Copy(s, s)
	}()
	return c, nil
}

func TestForward(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- (&Dialer{Server: echoDevice{}}).Forward(ctx, ln, "tcp", "localhost:7", nil)
	}()

	for range 2 {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		_, err = c.Write([]byte("hello"))
		require.NoError(t, err)
		buf := make([]byte, 5)
		_, err = io.ReadFull(c, buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf))
		c.Close()
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestForwardInvalid(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = (&Dialer{Server: echoDevice{}}).Forward(t.Context(), ln, "udp", "localhost:7", nil)
	assert.Error(t, err)
}
