package adbproto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolString(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendProtocolString(&buf, "host:version"))
	assert.Equal(t, "000chost:version", buf.String())

	s, err := ReadProtocolString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "host:version", s)

	_, err = ReadProtocolString(strings.NewReader("zzzz"))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ReadProtocolString(strings.NewReader("0010short"))
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.ErrorIs(t, SendProtocolString(io.Discard, strings.Repeat("x", MaxProtocolString+1)), ErrProtocol)

	scratch := make([]byte, 0, 64)
	b, err := ReadProtocolBytes(strings.NewReader("0003abc"), scratch)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	assert.Equal(t, &scratch[:1][0], &b[0], "buffer should be reused")
}

func TestOkayFail(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendOkay(&buf))
	assert.NoError(t, ReadOkayFail(&buf))

	require.NoError(t, SendFail(&buf, "device 'x' not found"))
	err := ReadOkayFail(&buf)
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "device 'x' not found", se.Message)
	assert.ErrorIs(t, err, ErrServer)
	assert.Equal(t, "server failure: device 'x' not found", err.Error())

	err = ReadOkayFail(strings.NewReader("WHAT"))
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorContains(t, err, "WHAT")

	assert.ErrorIs(t, ReadOkayFail(strings.NewReader("OK")), ErrProtocol)
	assert.Equal(t, "OKAY", StatusOkay.String())
	assert.Equal(t, `"\x00abc"`, Status{0, 'a', 'b', 'c'}.String())
}

func TestProtocolErrorf(t *testing.T) {
	inner := ProtocolErrorf("read length: %w", io.EOF)
	outer := ProtocolErrorf("service %q: %w", "host:features", inner)
	assert.ErrorIs(t, outer, ErrProtocol)
	assert.ErrorIs(t, outer, io.EOF)
	assert.Equal(t, 1, strings.Count(outer.Error(), ErrProtocol.Error()), "nested protocol errors should not repeat the prefix")

	wrapped := fmt.Errorf("dial: %w", inner)
	assert.ErrorIs(t, wrapped, ErrProtocol)
	assert.False(t, errors.Is(errors.New("x"), ErrProtocol))
}

func TestErrno(t *testing.T) {
	assert.ErrorIs(t, ENOENT, fs.ErrNotExist)
	assert.ErrorIs(t, EACCES, fs.ErrPermission)
	assert.ErrorIs(t, EPERM, fs.ErrPermission)
	assert.ErrorIs(t, EEXIST, fs.ErrExist)
	assert.NotErrorIs(t, EIO, fs.ErrNotExist)
	assert.Equal(t, "No such file or directory", ENOENT.Error())
	assert.Equal(t, "errno 99", Errno(99).Error())

	e, ok := ParseErrnoMessage("remote open failed: Read-only file system")
	assert.True(t, ok)
	assert.Equal(t, EROFS, e)
	_, ok = ParseErrnoMessage("something else")
	assert.False(t, ok)
}

func TestFeatures(t *testing.T) {
	fs := ParseFeatures("shell_v2, cmd,,stat_v2")
	assert.True(t, fs.Has(FeatureShell2))
	assert.True(t, fs.Has(FeatureCmd))
	assert.False(t, fs.Has(FeatureLs2))
	assert.Equal(t, "cmd,shell_v2,stat_v2", fs.String())

	both := fs.Intersect(NewFeatureSet(FeatureCmd, FeatureLs2))
	assert.Equal(t, []Feature{FeatureCmd}, both.Sorted())

	var none FeatureSet
	assert.False(t, none.Has(FeatureCmd))
}
