package adbsync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pgaskin/go-adbmux/adb"
)

// Client opens and reuses sync connections to a device. It is safe for
// concurrent use, and each concurrent operation uses its own connection.
type Client struct {
	Server adb.Dialer

	// ConnectTimeout, if non-zero, is the maximum amount of time to wait for a
	// new sync connection to be opened before returning an error.
	ConnectTimeout time.Duration

	// IdleConnTimeout, if non-zero, is the maximum amount of time an idle
	// connection will be kept for reuse.
	IdleConnTimeout time.Duration

	// MaxIdleConns, if non-zero, limits the maximum number of idle connections.
	// Connections exceeding the limit will be closed instead of being kept for
	// later reuse. If negative, connections are never reused.
	MaxIdleConns int

	// MaxConns, if non-zero, limits the maximum number of concurrent
	// connections in all states. Operations exceeding the limit will block.
	MaxConns int

	// CompressionConfig contains options for compression and decompression.
	CompressionConfig *CompressionConfig

	mu   sync.Mutex
	idle []idleConn
	sem  *semaphore.Weighted
}

// DefaultMaxIdleConns is used if [Client.MaxIdleConns] is zero.
const DefaultMaxIdleConns = 2

type idleConn struct {
	c *Conn
	t time.Time
}

func (c *Client) semaphore() *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sem == nil && c.MaxConns > 0 {
		c.sem = semaphore.NewWeighted(int64(c.MaxConns))
	}
	return c.sem
}

// get returns an idle connection or dials a new one. The returned function
// must be called once the connection is no longer being used.
func (c *Client) get(ctx context.Context) (*Conn, func(), error) {
	sem := c.semaphore()
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
	}
	release := func() {
		if sem != nil {
			sem.Release(1)
		}
	}

	c.mu.Lock()
	for len(c.idle) != 0 {
		ic := c.idle[len(c.idle)-1]
		c.idle = c.idle[:len(c.idle)-1]
		if (c.IdleConnTimeout > 0 && time.Since(ic.t) > c.IdleConnTimeout) || ic.c.Err() != nil {
			go ic.c.Close()
			continue
		}
		c.mu.Unlock()
		debug.Debug("sync: reusing idle connection")
		return ic.c, func() { c.put(ic.c); release() }, nil
	}
	c.mu.Unlock()

	dctx := ctx
	if c.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()
	}
	conn, err := Dial(dctx, c.Server, c.CompressionConfig)
	if err != nil {
		release()
		return nil, nil, err
	}
	debug.Debug("sync: opened connection", "features", conn.features)
	return conn, func() { c.put(conn); release() }, nil
}

func (c *Client) put(conn *Conn) {
	if conn.Err() != nil || conn.State() != StateIdle {
		conn.Close()
		return
	}
	limit := c.MaxIdleConns
	if limit == 0 {
		limit = DefaultMaxIdleConns
	}
	c.mu.Lock()
	if len(c.idle) >= limit {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.idle = append(c.idle, idleConn{conn, time.Now()})
	c.mu.Unlock()
}

// CloseIdleConnections closes any connections which were previously connected
// from previous requests but are now idle. It does not interrupt any
// connections currently in use.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	idle := c.idle
	c.idle = nil
	c.mu.Unlock()
	for _, ic := range idle {
		ic.c.Close()
	}
}

// with runs fn on a connection, closing it if ctx is canceled first.
func (c *Client) with(ctx context.Context, fn func(*Conn) error) error {
	conn, done, err := c.get(ctx)
	if err != nil {
		return err
	}
	defer done()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	err = fn(conn)
	if !stop() {
		return errors.Join(err, ctx.Err())
	}
	return err
}

// Stat returns information about a file, following symlinks if supported.
func (c *Client) Stat(ctx context.Context, name string) (fi *FileInfo, err error) {
	err = c.with(ctx, func(conn *Conn) error {
		fi, err = conn.Stat(name)
		return err
	})
	return
}

// Lstat returns information about a file without following symlinks.
func (c *Client) Lstat(ctx context.Context, name string) (fi *FileInfo, err error) {
	err = c.with(ctx, func(conn *Conn) error {
		fi, err = conn.Lstat(name)
		return err
	})
	return
}

// ReadDir lists a directory.
func (c *Client) ReadDir(ctx context.Context, name string) (ents []*FileInfo, err error) {
	err = c.with(ctx, func(conn *Conn) error {
		ents, err = conn.List(name)
		return err
	})
	return
}

// Push writes the contents of r to a file on the device.
func (c *Client) Push(ctx context.Context, r io.Reader, name string, mode fs.FileMode, mtime time.Time) error {
	return c.with(ctx, func(conn *Conn) error {
		return conn.Push(r, name, mode, mtime)
	})
}

// Pull writes the contents of a file on the device to w.
func (c *Client) Pull(ctx context.Context, name string, w io.Writer) error {
	return c.with(ctx, func(conn *Conn) error {
		return conn.Pull(name, w)
	})
}

// ReadFile reads a file from the device.
func (c *Client) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var b bytes.Buffer
	if err := c.Pull(ctx, name, &b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// WriteFile writes a file to the device.
func (c *Client) WriteFile(ctx context.Context, name string, data []byte, perm fs.FileMode) error {
	return c.Push(ctx, bytes.NewReader(data), name, perm, time.Now())
}

// Open streams a file from the device. Closing the reader before reaching EOF
// discards the connection.
func (c *Client) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	conn, done, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		defer done()
		stop := context.AfterFunc(ctx, func() {
			conn.Close()
		})
		defer stop()
		pw.CloseWithError(conn.Pull(name, pw))
	}()
	return pr, nil
}

// PushFile copies a local file to the device, preserving the mode and
// modification time.
func (c *Client) PushFile(ctx context.Context, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return &fs.PathError{Op: "push", Path: local, Err: errors.New("not a regular file")}
	}
	return c.Push(ctx, f, remote, fi.Mode(), fi.ModTime())
}

// PullFile copies a file from the device to a local file, preserving the
// modification time. The file is written to a temporary file first.
func (c *Client) PullFile(ctx context.Context, remote, local string) error {
	fi, err := c.Stat(ctx, remote)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return &fs.PathError{Op: "pull", Path: remote, Err: errors.New("is a directory")}
	}

	f, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := c.Pull(ctx, remote, f); err != nil {
		return err
	}
	if err := f.Chmod(fi.Mode().Perm()); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(f.Name(), time.Time{}, fi.ModTime()); err != nil {
		return err
	}
	return os.Rename(f.Name(), local)
}

// Transfer is a pair of paths for [Client.PushFiles] and [Client.PullFiles].
type Transfer struct {
	Local  string
	Remote string
}

// PushFiles pushes files concurrently, using up to limit connections (or one
// per file if zero). It stops at the first error.
func (c *Client) PushFiles(ctx context.Context, files []Transfer, limit int) error {
	return c.each(ctx, files, limit, func(ctx context.Context, t Transfer) error {
		return c.PushFile(ctx, t.Local, t.Remote)
	})
}

// PullFiles pulls files concurrently, using up to limit connections (or one
// per file if zero). It stops at the first error.
func (c *Client) PullFiles(ctx context.Context, files []Transfer, limit int) error {
	return c.each(ctx, files, limit, func(ctx context.Context, t Transfer) error {
		return c.PullFile(ctx, t.Remote, t.Local)
	})
}

func (c *Client) each(ctx context.Context, files []Transfer, limit int, fn func(context.Context, Transfer) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, t := range files {
		g.Go(func() error {
			return fn(ctx, t)
		})
	}
	return g.Wait()
}
