package adbsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgaskin/go-adbmux/adb"
	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/syncproto"
)

// State is the state of a sync connection.
type State int32

const (
	StateIdle State = iota
	StateSentRequest
	StateReceivingData
	StateReceivingStatus
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSentRequest:
		return "sent-request"
	case StateReceivingData:
		return "receiving-data"
	case StateReceivingStatus:
		return "receiving-status"
	case StateClosed:
		return "closed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// features which affect the sync protocol
var syncFeatures = []adbproto.Feature{
	adbproto.FeatureStat2,
	adbproto.FeatureLs2,
	adbproto.FeatureSendRecv2,
	adbproto.FeatureSendRecv2Brotli,
	adbproto.FeatureSendRecv2LZ4,
	adbproto.FeatureSendRecv2Zstd,
	adbproto.FeatureSendRecv2DryRunSend,
}

// Conn is a single sync stream. Operations are serialized, and each one
// returns the stream to [StateIdle] when it completes.
//
// If a FAIL is received in response to a stat or list, the stream remains
// usable. If a push or pull fails after the request is sent, the device may
// close the stream or keep sending data, so later operations return an error
// matching [ErrUnreliable]. Any other error is fatal.
type Conn struct {
	nc       net.Conn
	br       *bufio.Reader
	features adbproto.FeatureSet
	cc       *CompressionConfig

	mu    sync.Mutex // held during operations
	state atomic.Int32
	emu   sync.Mutex
	err   error // sticky
}

// Dial opens the sync service using srv. The features of srv are used to
// select the protocol version.
func Dial(ctx context.Context, srv adb.Dialer, cc *CompressionConfig) (*Conn, error) {
	nc, err := adb.Sync(ctx, srv)
	if err != nil {
		return nil, err
	}
	features := adbproto.NewFeatureSet()
	for _, f := range syncFeatures {
		if adb.SupportsFeature(srv, f) == nil {
			features[f] = struct{}{}
		}
	}
	return NewConn(nc, features, cc), nil
}

// NewConn wraps an open sync stream. The features must be supported by both
// sides. A nil cc uses the default compression settings.
func NewConn(nc net.Conn, features adbproto.FeatureSet, cc *CompressionConfig) *Conn {
	return &Conn{
		nc:       nc,
		br:       bufio.NewReaderSize(nc, 8+syncproto.DataMax),
		features: features,
		cc:       cc,
	}
}

// State returns the current state of the connection.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// Err returns the error which made the connection unusable, if any.
func (c *Conn) Err() error {
	c.emu.Lock()
	defer c.emu.Unlock()
	return c.err
}

func (c *Conn) fail(err error) error {
	c.emu.Lock()
	defer c.emu.Unlock()
	if c.err == nil {
		c.err = err
	}
	return c.err
}

// SupportsFeature returns true if the connection was created with f.
func (c *Conn) SupportsFeature(f adbproto.Feature) bool {
	return c.features.Has(f)
}

// localError wraps an error from the caller's reader or writer.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

type localReader struct{ r io.Reader }

func (l localReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if err != nil && err != io.EOF {
		err = &localError{err}
	}
	return n, err
}

type localWriter struct{ w io.Writer }

func (l localWriter) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	if err != nil {
		err = &localError{err}
	}
	return n, err
}

// do runs fn with the connection locked, then updates the state based on the
// result. If transfer is true, a FAIL makes the connection unreliable.
func (c *Conn) do(op string, transfer bool, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Err(); err != nil {
		return err
	}

	err := fn()
	prev := c.State()
	if err == nil {
		c.setState(StateIdle)
		return nil
	}
	if prev == StateIdle {
		return err // nothing was sent
	}

	var (
		errno adbproto.Errno
		le    *localError
	)
	remote := errors.Is(err, ErrSync) || errors.As(err, &errno)
	switch {
	case remote && !transfer:
		debug.Debug("sync: failed", "op", op, "error", err)
		c.setState(StateIdle)
	case remote, errors.As(err, &le):
		debug.Debug("sync: transfer failed", "op", op, "state", prev, "error", err)
		c.setState(StateIdle)
		c.fail(fmt.Errorf("%w (%s: %w)", ErrUnreliable, op, err))
	default:
		debug.Debug("sync: connection failed", "op", op, "state", prev, "error", err)
		c.setState(StateClosed)
		c.fail(err)
		c.nc.Close()
	}
	return err
}

func (c *Conn) request(id syncproto.ID, name string) error {
	b, err := syncproto.AppendRequest(nil, id, name)
	if err != nil {
		return err
	}
	c.setState(StateSentRequest)
	if _, err := c.nc.Write(b); err != nil {
		return adbproto.ProtocolErrorf("sync %s: send request: %w", id, err)
	}
	return nil
}

// Stat returns information about a file, following symlinks. Without stat_v2,
// it falls back to [Conn.Lstat].
func (c *Conn) Stat(name string) (*FileInfo, error) {
	if !c.features.Has(adbproto.FeatureStat2) {
		return c.Lstat(name)
	}
	return c.stat2("stat", syncproto.IDStat2, name)
}

// Lstat returns information about a file without following symlinks.
func (c *Conn) Lstat(name string) (*FileInfo, error) {
	if c.features.Has(adbproto.FeatureStat2) {
		return c.stat2("lstat", syncproto.IDLstat2, name)
	}
	var fi *FileInfo
	err := c.do("lstat", false, func() error {
		if err := c.request(syncproto.IDStat, name); err != nil {
			return err
		}
		if _, err := syncproto.ReadResponse(c.br, syncproto.IDStat); err != nil {
			return err
		}
		c.setState(StateReceivingStatus)
		st, err := syncproto.ReadObject[syncproto.Stat1](c.br)
		if err != nil {
			return err
		}
		if st == (syncproto.Stat1{}) {
			return adbproto.ENOENT
		}
		fi = fileInfo1(path.Base(name), st.Mode, st.Size, st.Mtime)
		return nil
	})
	if err != nil {
		return nil, pathError("lstat", name, err)
	}
	return fi, nil
}

func (c *Conn) stat2(op string, id syncproto.ID, name string) (*FileInfo, error) {
	var fi *FileInfo
	err := c.do(op, false, func() error {
		if err := c.request(id, name); err != nil {
			return err
		}
		if _, err := syncproto.ReadResponse(c.br, id); err != nil {
			return err
		}
		c.setState(StateReceivingStatus)
		st, err := syncproto.ReadObject[syncproto.Stat2](c.br)
		if err != nil {
			return err
		}
		if st.Error != 0 {
			return adbproto.Errno(st.Error)
		}
		fi = fileInfo2(path.Base(name), st)
		return nil
	})
	if err != nil {
		return nil, pathError(op, name, err)
	}
	return fi, nil
}

// List returns the entries of a directory, excluding "." and "..". An empty
// directory returns an empty slice and no error.
func (c *Conn) List(name string) ([]*FileInfo, error) {
	var (
		v2   = c.features.Has(adbproto.FeatureLs2)
		req  = syncproto.IDList
		dent = syncproto.IDDent
	)
	if v2 {
		req, dent = syncproto.IDList2, syncproto.IDDent2
	}
	ents := []*FileInfo{}
	err := c.do("list", false, func() error {
		if err := c.request(req, name); err != nil {
			return err
		}
		for {
			id, err := syncproto.ReadResponse(c.br, dent, syncproto.IDDone)
			if err != nil {
				return err
			}
			c.setState(StateReceivingData)

			var (
				fi      *FileInfo
				namelen uint32
			)
			if v2 {
				d, err := syncproto.ReadObject[syncproto.Dent2](c.br)
				if err != nil {
					return err
				}
				fi, namelen = fileInfo2("", d.Stat2), d.Namelen
			} else {
				d, err := syncproto.ReadObject[syncproto.Dent1](c.br)
				if err != nil {
					return err
				}
				fi, namelen = fileInfo1("", d.Mode, d.Size, d.Mtime), d.Namelen
			}
			if id == syncproto.IDDone {
				return nil
			}
			if namelen > syncproto.PathMax {
				return adbproto.ProtocolErrorf("sync: dent name too long (len=%d)", namelen)
			}
			b := make([]byte, namelen)
			if _, err := io.ReadFull(c.br, b); err != nil {
				return adbproto.ProtocolErrorf("sync: read dent name: %w", err)
			}
			if fi.name = string(b); fi.name == "." || fi.name == ".." {
				continue
			}
			ents = append(ents, fi)
		}
	})
	if err != nil {
		return nil, pathError("list", name, err)
	}
	return ents, nil
}

// Push writes the contents of r to a file on the device, creating it with
// mode if it does not exist. The modification time is set to mtime, or the
// current time if it is zero.
func (c *Conn) Push(r io.Reader, name string, mode fs.FileMode, mtime time.Time) error {
	if mtime.IsZero() {
		mtime = time.Now()
	}
	var (
		raw    = rawMode(mode)
		method = CompressionNone
	)
	v2 := c.features.Has(adbproto.FeatureSendRecv2)
	if v2 {
		method = c.cc.negotiate(c.features)
	}
	err := c.do("push", true, func() error {
		if v2 {
			if err := c.request(syncproto.IDSend2, name); err != nil {
				return err
			}
			if err := syncproto.WriteObject(c.nc, syncproto.IDSend2, syncproto.Send2{
				Mode:  raw,
				Flags: method.flag(),
			}); err != nil {
				return err
			}
		} else {
			if err := c.request(syncproto.IDSend, name+","+strconv.FormatUint(uint64(raw), 10)); err != nil {
				return err
			}
		}
		debug.Debug("sync: push", "path", name, "mode", fmt.Sprintf("%#o", raw), "mtime", mtime.Unix(), "compression", method)

		dw := syncproto.NewDataWriter(c.nc, uint32(mtime.Unix()))
		if err := c.copyTo(dw, localReader{r}, method); err != nil {
			var le *localError
			if errors.As(err, &le) {
				return err
			}
			// adbd sends FAIL then closes the stream if the write fails
			if ferr := syncproto.ReadOkay(c.br); errors.Is(ferr, ErrSync) {
				return ferr
			}
			return err
		}
		c.setState(StateReceivingStatus)
		return syncproto.ReadOkay(c.br)
	})
	return pathError("push", name, err)
}

func (c *Conn) copyTo(dw *syncproto.DataWriter, r io.Reader, method CompressionMethod) error {
	if method == CompressionNone {
		if _, err := dw.ReadFrom(r); err != nil {
			return err
		}
		return dw.Close()
	}
	zw, err := c.cc.compress(method, dw)
	if err != nil {
		return &localError{err}
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return dw.Close()
}

// Pull writes the contents of a file on the device to w.
func (c *Conn) Pull(name string, w io.Writer) error {
	method := CompressionNone
	v2 := c.features.Has(adbproto.FeatureSendRecv2)
	if v2 {
		method = c.cc.negotiate(c.features)
	}
	err := c.do("pull", true, func() error {
		if v2 {
			if err := c.request(syncproto.IDRecv2, name); err != nil {
				return err
			}
			if err := syncproto.WriteObject(c.nc, syncproto.IDRecv2, syncproto.Recv2{
				Flags: method.flag(),
			}); err != nil {
				return err
			}
		} else {
			if err := c.request(syncproto.IDRecv, name); err != nil {
				return err
			}
		}
		debug.Debug("sync: pull", "path", name, "compression", method)

		c.setState(StateReceivingData)
		dr := syncproto.NewDataReader(c.br)
		if method == CompressionNone {
			_, err := io.Copy(localWriter{w}, dr)
			return err
		}
		zr, err := c.cc.decompress(method, dr)
		if err != nil {
			return &localError{err}
		}
		defer zr.Close()
		if _, err := io.Copy(localWriter{w}, zr); err != nil {
			if derr := dr.Err(); derr != nil {
				return derr
			}
			return err
		}
		// consume anything after the end of the compressed stream
		if _, err := io.Copy(io.Discard, dr); err != nil {
			return err
		}
		return nil
	})
	return pathError("pull", name, err)
}

// Close sends QUIT if the connection is idle, then closes it. It interrupts
// any operation in progress.
func (c *Conn) Close() error {
	if c.mu.TryLock() {
		if c.Err() == nil {
			if err := syncproto.WriteRequest(c.nc, syncproto.IDQuit, ""); err != nil {
				debug.Debug("sync: send QUIT", "error", err)
			}
		}
		c.mu.Unlock()
	}
	c.fail(ErrClosed)
	c.setState(StateClosed)
	return c.nc.Close()
}
