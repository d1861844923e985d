package adbsync

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/syncproto"
	"github.com/pgaskin/go-adbmux/internal/bionic"
)

type fakeFile struct {
	mode  uint32
	mtime uint32
	data  []byte
}

// fakeDevice implements the device side of the sync service on an in-memory
// tree. Writes under /ro fail, and listing /fail returns FAIL.
type fakeDevice struct {
	t        testing.TB
	features adbproto.FeatureSet
	dots     bool // include . and .. in listings

	mu    sync.Mutex
	files map[string]*fakeFile
	quit  int
	dials atomic.Int32
	flags []uint32
}

func newFakeDevice(t testing.TB, features ...adbproto.Feature) *fakeDevice {
	return &fakeDevice{
		t:        t,
		features: adbproto.NewFeatureSet(features...),
		files: map[string]*fakeFile{
			"/":       {mode: bionic.S_IFDIR | 0o755},
			"/sdcard": {mode: bionic.S_IFDIR | 0o771, mtime: 1000},
			"/empty":  {mode: bionic.S_IFDIR | 0o755},
			"/ro":     {mode: bionic.S_IFDIR | 0o555},
		},
	}
}

var v2Features = []adbproto.Feature{
	adbproto.FeatureStat2,
	adbproto.FeatureLs2,
	adbproto.FeatureSendRecv2,
	adbproto.FeatureSendRecv2Brotli,
	adbproto.FeatureSendRecv2LZ4,
	adbproto.FeatureSendRecv2Zstd,
}

func (d *fakeDevice) put(name string, mode uint32, mtime uint32, data string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = &fakeFile{mode: mode, mtime: mtime, data: []byte(data)}
}

func (d *fakeDevice) get(name string) *fakeFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[name]
}

// DialADB implements adb.Dialer.
func (d *fakeDevice) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	if svc != "sync:" {
		return nil, errors.New("unexpected service " + svc)
	}
	d.dials.Add(1)
	c, s := net.Pipe()
	go d.serve(s)
	return c, nil
}

// SupportsFeature implements adb.Features.
func (d *fakeDevice) SupportsFeature(f adbproto.Feature) bool {
	return d.features.Has(f)
}

// conn returns a Conn connected to the device.
func (d *fakeDevice) conn(cc *CompressionConfig) *Conn {
	c, s := net.Pipe()
	go d.serve(s)
	conn := NewConn(c, d.features, cc)
	d.t.Cleanup(func() { conn.Close() })
	return conn
}

func (d *fakeDevice) serve(nc net.Conn) {
	defer nc.Close()
	br := bufio.NewReader(nc)
	for {
		id, name, err := syncproto.ReadRequest(br)
		if err != nil {
			return
		}
		var ok bool
		switch id {
		case syncproto.IDQuit:
			d.mu.Lock()
			d.quit++
			d.mu.Unlock()
			return
		case syncproto.IDStat:
			ok = d.stat1(nc, name)
		case syncproto.IDStat2, syncproto.IDLstat2:
			ok = d.stat2(nc, id, name)
		case syncproto.IDList, syncproto.IDList2:
			ok = d.list(nc, id, name)
		case syncproto.IDSend, syncproto.IDSend2:
			ok = d.send(br, nc, id, name)
		case syncproto.IDRecv, syncproto.IDRecv2:
			ok = d.recv(br, nc, id, name)
		default:
			syncproto.WriteStatus(nc, syncproto.IDFail, "unknown command")
		}
		if !ok {
			return
		}
	}
}

// readFailed reports a read error, unless the client hung up mid-request,
// which happens when an operation is cancelled.
func (d *fakeDevice) readFailed(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return
	}
	d.t.Error(err)
}

func (d *fakeDevice) stat1(w io.Writer, name string) bool {
	var st syncproto.Stat1
	if f := d.get(name); f != nil {
		st = syncproto.Stat1{Mode: f.mode, Size: uint32(len(f.data)), Mtime: f.mtime}
	}
	return syncproto.WriteObject(w, syncproto.IDStat, st) == nil
}

func (d *fakeDevice) stat2(w io.Writer, id syncproto.ID, name string) bool {
	st := syncproto.Stat2{Error: uint32(adbproto.ENOENT)}
	if f := d.get(name); f != nil {
		st = syncproto.Stat2{Mode: f.mode, Size: uint64(len(f.data)), Mtime: int64(f.mtime), Nlink: 1}
	}
	return syncproto.WriteObject(w, id, st) == nil
}

func (d *fakeDevice) list(w io.Writer, id syncproto.ID, name string) bool {
	if name == "/fail" {
		return syncproto.WriteStatus(w, syncproto.IDFail, "opendir failed: Permission denied") == nil
	}
	d.mu.Lock()
	var names []string
	for p := range d.files {
		if p != name && path.Dir(p) == name {
			names = append(names, path.Base(p))
		}
	}
	if d.dots {
		names = append(names, ".", "..")
	}
	slices.Sort(names)
	var b []byte
	for _, n := range names {
		f := d.files[path.Join(name, n)]
		if f == nil {
			f = &fakeFile{mode: bionic.S_IFDIR | 0o755}
		}
		var err error
		if id == syncproto.IDList2 {
			b, err = binary(b, syncproto.IDDent2, syncproto.Dent2{
				Stat2:   syncproto.Stat2{Mode: f.mode, Size: uint64(len(f.data)), Mtime: int64(f.mtime)},
				Namelen: uint32(len(n)),
			})
		} else {
			b, err = binary(b, syncproto.IDDent, syncproto.Dent1{
				Mode:    f.mode,
				Size:    uint32(len(f.data)),
				Mtime:   f.mtime,
				Namelen: uint32(len(n)),
			})
		}
		if err != nil {
			d.t.Error(err)
		}
		b = append(b, n...)
	}
	d.mu.Unlock()

	var err error
	if id == syncproto.IDList2 {
		b, err = binary(b, syncproto.IDDone, syncproto.Dent2{})
	} else {
		b, err = binary(b, syncproto.IDDone, syncproto.Dent1{})
	}
	if err != nil {
		d.t.Error(err)
	}
	_, err = w.Write(b)
	return err == nil
}

func binary(b []byte, id syncproto.ID, obj any) ([]byte, error) {
	var buf bytes.Buffer
	err := syncproto.WriteObject(&buf, id, obj)
	return append(b, buf.Bytes()...), err
}

func flagMethod(flags uint32) CompressionMethod {
	for _, m := range defaultMethods {
		if m.flag() == flags&^syncproto.FlagDryRun {
			return m
		}
	}
	return CompressionNone
}

func (d *fakeDevice) send(br *bufio.Reader, w io.Writer, id syncproto.ID, name string) bool {
	var mode, flags uint32
	if id == syncproto.IDSend2 {
		if _, err := syncproto.ReadResponse(br, syncproto.IDSend2); err != nil {
			d.readFailed(err)
			return false
		}
		st, err := syncproto.ReadObject[syncproto.Send2](br)
		if err != nil {
			d.readFailed(err)
			return false
		}
		mode, flags = st.Mode, st.Flags
	} else {
		i := strings.LastIndexByte(name, ',')
		if i == -1 {
			d.t.Errorf("send: missing mode in %q", name)
			return false
		}
		m, err := strconv.ParseUint(name[i+1:], 10, 32)
		if err != nil {
			d.t.Errorf("send: invalid mode in %q", name)
			return false
		}
		name, mode = name[:i], uint32(m)
	}
	d.mu.Lock()
	d.flags = append(d.flags, flags)
	d.mu.Unlock()

	var (
		raw   []byte
		mtime uint32
	)
	for {
		id, err := syncproto.ReadResponse(br, syncproto.IDData, syncproto.IDDone)
		if err != nil {
			d.readFailed(err)
			return false
		}
		n, err := syncproto.ReadObject[uint32](br)
		if err != nil {
			d.readFailed(err)
			return false
		}
		if id == syncproto.IDDone {
			mtime = n
			break
		}
		if n > syncproto.DataMax {
			d.t.Errorf("send: DATA too long (%d)", n)
			return false
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(br, b); err != nil {
			d.readFailed(err)
			return false
		}
		raw = append(raw, b...)
	}

	// adbd closes the stream after a failed send
	if path.Dir(name) == "/ro" {
		syncproto.WriteStatus(w, syncproto.IDFail, "couldn't create file: Read-only file system")
		return false
	}

	if m := flagMethod(flags); m != CompressionNone {
		zr, err := (*CompressionConfig)(nil).decompress(m, bytes.NewReader(raw))
		if err != nil {
			d.t.Error(err)
			return false
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			d.t.Error(err)
			return false
		}
	}
	d.put(name, mode, mtime, string(raw))
	return syncproto.WriteStatus(w, syncproto.IDOkay, "") == nil
}

func (d *fakeDevice) recv(br *bufio.Reader, w io.Writer, id syncproto.ID, name string) bool {
	var flags uint32
	if id == syncproto.IDRecv2 {
		if _, err := syncproto.ReadResponse(br, syncproto.IDRecv2); err != nil {
			d.readFailed(err)
			return false
		}
		st, err := syncproto.ReadObject[syncproto.Recv2](br)
		if err != nil {
			d.readFailed(err)
			return false
		}
		flags = st.Flags
	}
	d.mu.Lock()
	d.flags = append(d.flags, flags)
	d.mu.Unlock()

	f := d.get(name)
	if f == nil {
		syncproto.WriteStatus(w, syncproto.IDFail, "open failed: No such file or directory")
		return false
	}

	dw := syncproto.NewDataWriter(w, 0)
	if m := flagMethod(flags); m != CompressionNone {
		zw, err := (*CompressionConfig)(nil).compress(m, dw)
		if err != nil {
			d.t.Error(err)
			return false
		}
		if _, err := zw.Write(f.data); err != nil {
			return false
		}
		if err := zw.Close(); err != nil {
			return false
		}
	} else if _, err := dw.Write(f.data); err != nil {
		return false
	}
	return dw.Close() == nil
}
