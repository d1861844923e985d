package adbhost

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pgaskin/go-adbmux/adb"
	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=1293-1352;drc=9f298fb1f3317371b49439efb20a598b3a881bf3

// Transport selects a device on the host server. It is one of [TransportID],
// [Serial], or [DefaultTransport].
type Transport interface {
	// services returns the prefix for host services scoped to the transport
	// ("<prefix>:features"), and the service which switches a connection to
	// it. Unless the transport is a TransportID, the server replies to the
	// latter with the selected id.
	services() (prefix, tport string)
}

// TransportID is the id the host server assigns to each device connection. It
// changes when a device reconnects.
type TransportID uint64

func (t TransportID) String() string {
	return "TransportID(" + strconv.FormatUint(uint64(t), 10) + ")"
}

func (t TransportID) services() (string, string) {
	id := strconv.FormatUint(uint64(t), 10)
	return "host-transport-id:" + id, "host:transport-id:" + id
}

// Serial selects a device by serial number.
type Serial string

func (s Serial) String() string {
	return "Serial(" + string(s) + ")"
}

func (s Serial) services() (string, string) {
	if s == "" {
		return "", ""
	}
	return "host-serial:" + string(s), "host:tport:serial:" + string(s)
}

// DefaultTransport selects the only device of a kind, failing if there is more
// than one.
type DefaultTransport string

const (
	TransportUSB   DefaultTransport = "usb"   // usb device
	TransportLocal DefaultTransport = "local" // emulator or tcp device
	TransportAny   DefaultTransport = "any"   // any device
)

func (t DefaultTransport) String() string {
	return "DefaultTransport(" + string(t) + ")"
}

func (t DefaultTransport) services() (string, string) {
	prefix := "host-" + string(t)
	if t == TransportAny {
		prefix = "host"
	}
	return prefix, "host:tport:" + string(t)
}

var errNoTransport = errors.New("adbhost: no transport selected")

// TransportDialer is an [adb.Dialer] for a device on the host server.
type TransportDialer struct {
	d *Dialer
	f atomic.Pointer[adbproto.FeatureSet]

	mu  sync.Mutex
	t   Transport
	pin bool // replace t with the selected TransportID on the next dial
}

var (
	_ adb.Dialer   = (*TransportDialer)(nil)
	_ adb.Features = (*TransportDialer)(nil)
)

// Server returns an [adb.Dialer] for t on the host server d. If d is nil, the
// default server is used.
//
// The TransportID the server selected for a connection is available from
// [ServerConnTransportID], which allows the same device to be reached later
// (e.g., after "adb root").
func Server(d *Dialer, t Transport) *TransportDialer {
	return &TransportDialer{d: d, t: t}
}

// StickyServer is like [Server], but pins the TransportID selected by the first
// successful connection, so connections opened later go to the same device
// even if more are attached. Connections are serialized until then.
//
// A device which reconnects gets a new TransportID, so the dialer will fail
// from then on.
func StickyServer(d *Dialer, t Transport) *TransportDialer {
	_, isID := t.(TransportID)
	return &TransportDialer{d: d, t: t, pin: !isID}
}

// transportConn remembers which transport a connection went to.
type transportConn struct {
	net.Conn
	id TransportID // zero if unknown
}

// ServerConnTransportID returns the TransportID for a connection opened by a
// [TransportDialer], if known.
func ServerConnTransportID(conn net.Conn) (TransportID, bool) {
	if tc, ok := conn.(*transportConn); ok && tc.id != 0 {
		return tc.id, true
	}
	return 0, false
}

// DialADB opens svc on the device.
func (h *TransportDialer) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	h.mu.Lock()
	if !h.pin {
		t := h.t
		h.mu.Unlock()
		conn, err := h.dial(ctx, t, svc)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	defer h.mu.Unlock()

	conn, err := h.dial(ctx, h.t, svc)
	if err != nil {
		return nil, err
	}
	if conn.id != 0 {
		h.t, h.pin = conn.id, false
	}
	return conn, nil
}

func (h *TransportDialer) dial(ctx context.Context, t Transport, svc string) (*transportConn, error) {
	_, tport := t.services()
	if tport == "" {
		return nil, errNoTransport
	}
	conn, err := h.d.DialADBHost(ctx, tport)
	if err != nil {
		return nil, err
	}
	tc := &transportConn{Conn: conn}
	if id, ok := t.(TransportID); ok {
		tc.id = id
	} else {
		var buf [8]byte
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			conn.Close()
			return nil, adbproto.ProtocolErrorf("%s: read transport id: %w", tport, err)
		}
		tc.id = TransportID(binary.LittleEndian.Uint64(buf[:]))
	}
	if err := adbService(ctx, conn, svc); err != nil {
		conn.Close()
		return nil, fmt.Errorf("service %q: %w", svc, err)
	}
	return tc, nil
}

// DialADBHostTransport opens a host service scoped to the transport (e.g.,
// "features" or "get-state"). It does not pin the TransportID.
func (h *TransportDialer) DialADBHostTransport(ctx context.Context, svc string) (net.Conn, error) {
	h.mu.Lock()
	prefix, _ := h.t.services()
	h.mu.Unlock()
	if prefix == "" {
		return nil, errNoTransport
	}
	return h.d.DialADBHost(ctx, prefix+":"+svc)
}

// TransportID returns the TransportID the dialer is bound to, which is only
// known if it was created with one, or once a [StickyServer] has pinned it.
func (h *TransportDialer) TransportID() (TransportID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.t.(TransportID)
	return id, ok
}

// LoadFeatures gets the device features from the host server. Features are
// only reported as supported if the host server supports them too, so
// [Dialer.LoadFeatures] must also be called.
func (h *TransportDialer) LoadFeatures(ctx context.Context) error {
	conn, err := h.DialADBHostTransport(ctx, "features")
	if err != nil {
		return err
	}
	defer conn.Close()

	buf, err := adbproto.ReadProtocolBytes(conn, nil)
	if err != nil {
		return adbproto.ProtocolErrorf("read features: %w", err)
	}
	fs := adbproto.ParseFeatures(string(buf))
	h.f.Store(&fs)
	return nil
}

// SupportsFeature returns true if both the device and the host server support
// f. It returns false until both have loaded their features.
func (h *TransportDialer) SupportsFeature(f adbproto.Feature) bool {
	fs := h.f.Load()
	return fs != nil && fs.Has(f) && h.d.SupportsFeature(f)
}

// Features returns the features supported by both the device and the host
// server.
func (h *TransportDialer) Features() adbproto.FeatureSet {
	if fs := h.f.Load(); fs != nil {
		return fs.Intersect(h.d.Features())
	}
	return adbproto.FeatureSet{}
}
