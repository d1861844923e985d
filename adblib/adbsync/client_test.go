package adbsync

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgaskin/go-adbmux/internal/bionic"
)

func TestClientReuse(t *testing.T) {
	dev := newFakeDevice(t, v2Features...)
	c := &Client{Server: dev}
	t.Cleanup(c.CloseIdleConnections)

	for range 3 {
		_, err := c.Stat(t.Context(), "/sdcard")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), dev.dials.Load(), "idle connection reused")

	// a failed stat doesn't discard the connection
	_, err := c.Stat(t.Context(), "/missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = c.Stat(t.Context(), "/sdcard")
	require.NoError(t, err)
	assert.Equal(t, int32(1), dev.dials.Load())

	// a failed push does
	err = c.WriteFile(t.Context(), "/ro/x", []byte("x"), 0o644)
	assert.ErrorIs(t, err, ErrSync)
	_, err = c.Stat(t.Context(), "/sdcard")
	require.NoError(t, err)
	assert.Equal(t, int32(2), dev.dials.Load())
}

func TestClientNoReuse(t *testing.T) {
	dev := newFakeDevice(t)
	c := &Client{Server: dev, MaxIdleConns: -1}

	for range 2 {
		_, err := c.ReadDir(t.Context(), "/")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), dev.dials.Load())
}

func TestClientIdleTimeout(t *testing.T) {
	dev := newFakeDevice(t)
	c := &Client{Server: dev, IdleConnTimeout: time.Nanosecond}
	t.Cleanup(c.CloseIdleConnections)

	for range 2 {
		_, err := c.Stat(t.Context(), "/")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(2), dev.dials.Load())
}

func TestClientReadWriteFile(t *testing.T) {
	dev := newFakeDevice(t, v2Features...)
	c := &Client{Server: dev}
	t.Cleanup(c.CloseIdleConnections)

	require.NoError(t, c.WriteFile(t.Context(), "/sdcard/hello.txt", []byte("hello"), 0o600))
	b, err := c.ReadFile(t.Context(), "/sdcard/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	r, err := c.Open(t.Context(), "/sdcard/hello.txt")
	require.NoError(t, err)
	b, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello", string(b))

	r, err = c.Open(t.Context(), "/sdcard/missing")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestClientCancel(t *testing.T) {
	dev := newFakeDevice(t)
	c := &Client{Server: dev}

	ctx, cancel := context.WithCancel(t.Context())
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("partial"))
		cancel()
		pw.Close()
	}()
	err := c.Push(ctx, pr, "/sdcard/x", 0o644, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, dev.get("/sdcard/x"), "an interrupted push should not create the file")
}

func TestClientFiles(t *testing.T) {
	dev := newFakeDevice(t, v2Features...)
	c := &Client{Server: dev, MaxConns: 2}
	t.Cleanup(c.CloseIdleConnections)

	dir := t.TempDir()
	mtime := time.Unix(1600000000, 0)
	var push, pull []Transfer
	for i := range 5 {
		name := "f" + strconv.Itoa(i)
		local := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(local, bytes.Repeat([]byte{byte(i)}, 1000*i), 0o600))
		require.NoError(t, os.Chtimes(local, mtime, mtime))
		push = append(push, Transfer{Local: local, Remote: "/sdcard/" + name})
		pull = append(pull, Transfer{Local: local + ".out", Remote: "/sdcard/" + name})
	}
	require.NoError(t, c.PushFiles(t.Context(), push, 3))
	require.NoError(t, c.PullFiles(t.Context(), pull, 0))

	for i, tr := range pull {
		b, err := os.ReadFile(tr.Local)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 1000*i), b)

		fi, err := os.Stat(tr.Local)
		require.NoError(t, err)
		assert.True(t, fi.ModTime().Equal(mtime), "mtime preserved")
		assert.Equal(t, fs.FileMode(0o600), fi.Mode().Perm())

		f := dev.get(tr.Remote)
		require.NotNil(t, f)
		assert.Equal(t, uint32(bionic.S_IFREG|0o600), f.mode)
	}

	err := c.PullFiles(t.Context(), []Transfer{{Local: filepath.Join(dir, "x"), Remote: "/sdcard/missing"}}, 1)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, "x"))
	assert.ErrorIs(t, err, fs.ErrNotExist, "no partial file")
}

func TestClientMaxConns(t *testing.T) {
	dev := newFakeDevice(t)
	c := &Client{Server: dev, MaxConns: 1}
	t.Cleanup(c.CloseIdleConnections)

	pr, pw := io.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.Push(t.Context(), pr, "/sdcard/slow", 0o644, time.Now()))
	}()
	pw.Write([]byte("x")) // the push has a connection

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Stat(ctx, "/sdcard")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "blocked by the limit")

	pw.Close()
	wg.Wait()
	_, err = c.Stat(t.Context(), "/sdcard/slow")
	assert.NoError(t, err)
}
