package adbhost

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// fakeHost is an in-memory host server. Each service handler is called after
// the OKAY is sent.
type fakeHost map[string]func(net.Conn)

func (h fakeHost) dialer() *Dialer {
	return &Dialer{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, s := net.Pipe()
			go h.serve(s)
			return c, nil
		},
	}
}

func (h fakeHost) serve(conn net.Conn) {
	defer conn.Close()
	svc, err := adbproto.ReadProtocolString(conn)
	if err != nil {
		return
	}
	fn, ok := h[svc]
	if !ok {
		adbproto.SendFail(conn, "unknown host service")
		return
	}
	if adbproto.SendOkay(conn) != nil {
		return
	}
	fn(conn)
}

func respond(msg string) func(net.Conn) {
	return func(c net.Conn) {
		adbproto.SendProtocolString(c, msg)
	}
}

func TestDefaultAddr(t *testing.T) {
	t.Setenv("ANDROID_ADB_SERVER_ADDRESS", "")
	t.Setenv("ANDROID_ADB_SERVER_PORT", "")
	assert.Equal(t, "localhost:5037", defaultAddr())

	t.Setenv("ANDROID_ADB_SERVER_ADDRESS", "10.0.0.1")
	t.Setenv("ANDROID_ADB_SERVER_PORT", "5038")
	assert.Equal(t, "10.0.0.1:5038", defaultAddr())

	t.Setenv("ANDROID_ADB_SERVER_PORT", "invalid")
	assert.Equal(t, "10.0.0.1:5037", defaultAddr())
}

func TestDialFail(t *testing.T) {
	d := fakeHost{}.dialer()
	_, err := d.DialADBHost(t.Context(), "host:nope")
	assert.ErrorIs(t, err, adbproto.ErrServer)
	var se *adbproto.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "unknown host service", se.Message)
}

func TestVersion(t *testing.T) {
	d := fakeHost{"host:version": respond("0029")}.dialer()
	v, err := Version(t.Context(), d)
	require.NoError(t, err)
	assert.Equal(t, 41, v)
}

func TestFeatures(t *testing.T) {
	h := fakeHost{
		"host:host-features": respond("shell_v2,cmd,stat_v2,devicetracker_proto_format"),
		"host:tport:any": func(c net.Conn) {
			binary.Write(c, binary.LittleEndian, uint64(7))
			if svc, err := adbproto.ReadProtocolString(c); err == nil && svc == "sync:" {
				adbproto.SendOkay(c)
				io.Copy(io.Discard, c)
			}
		},
		"host-transport-id:7:features": respond("shell_v2,stat_v2,ls_v2"),
	}
	d := h.dialer()
	assert.False(t, d.SupportsFeature(adbproto.FeatureShell2), "not loaded")
	require.NoError(t, d.LoadFeatures(t.Context()))
	assert.True(t, d.SupportsFeature(adbproto.FeatureDeviceTrackerProtoFormat))

	td := StickyServer(d, TransportAny)
	conn, err := td.DialADB(t.Context(), "sync:")
	require.NoError(t, err)
	tid, ok := ServerConnTransportID(conn)
	assert.True(t, ok)
	assert.Equal(t, TransportID(7), tid)
	conn.Close()

	tid, ok = td.TransportID()
	assert.True(t, ok, "pinned")
	assert.Equal(t, TransportID(7), tid)

	require.NoError(t, td.LoadFeatures(t.Context()))
	assert.True(t, td.SupportsFeature(adbproto.FeatureStat2))
	assert.False(t, td.SupportsFeature(adbproto.FeatureLs2), "host doesn't support it")
	assert.False(t, td.SupportsFeature(adbproto.FeatureCmd), "device doesn't support it")
	assert.Equal(t, "shell_v2,stat_v2", td.Features().String())
}

func TestParseDevices(t *testing.T) {
	devs, err := ParseDevices([]byte("" +
		"emulator-5554\tdevice\n" +
		"R58M123\tunauthorized\n"))
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "emulator-5554", devs[0].Serial)
	assert.Equal(t, CsDevice, devs[0].State)
	assert.Equal(t, CsUnauthorized, devs[1].State)

	devs, err = ParseDevices([]byte("" +
		"emulator-5554          device product:sdk_gphone64_x86_64 model:sdk_gphone64_x86_64 device:emu64xa transport_id:1\n" +
		"0123456789ABCDEF       no permissions (missing udev rules? user is in the plugdev group); see [http://developer.android.com/tools/device.html] usb:1-1 transport_id:2\n"))
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "sdk_gphone64_x86_64", devs[0].Model)
	assert.Equal(t, "emu64xa", devs[0].Device)
	assert.Equal(t, TransportID(1), devs[0].Transport)
	assert.Equal(t, CsNoPerm, devs[1].State)
	assert.True(t, devs[0].State.IsOnline())
	assert.False(t, devs[1].State.IsOnline())

	_, err = ParseDevices([]byte("garbage\n"))
	assert.Error(t, err)
}

func appendDeviceProto(b []byte, info *TransportInfo, state, ctype uint64) []byte {
	var d []byte
	d = protowire.AppendTag(d, 1, protowire.BytesType)
	d = protowire.AppendString(d, info.Serial)
	d = protowire.AppendTag(d, 2, protowire.VarintType)
	d = protowire.AppendVarint(d, state)
	d = protowire.AppendTag(d, 3, protowire.BytesType)
	d = protowire.AppendString(d, info.BusAddress)
	d = protowire.AppendTag(d, 5, protowire.BytesType)
	d = protowire.AppendString(d, info.Model)
	d = protowire.AppendTag(d, 7, protowire.VarintType)
	d = protowire.AppendVarint(d, ctype)
	d = protowire.AppendTag(d, 9, protowire.VarintType)
	d = protowire.AppendVarint(d, uint64(info.MaxSpeed))
	d = protowire.AppendTag(d, 10, protowire.VarintType)
	d = protowire.AppendVarint(d, uint64(info.Transport))
	d = protowire.AppendTag(d, 99, protowire.Fixed32Type) // unknown
	d = protowire.AppendFixed32(d, 1)

	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, d)
}

func TestParseDevicesProto(t *testing.T) {
	var b []byte
	b = appendDeviceProto(b, &TransportInfo{Serial: "abc", BusAddress: "usb:1-2", Model: "Pixel_8", MaxSpeed: 5000, Transport: 3}, 7, 1)
	b = appendDeviceProto(b, &TransportInfo{Serial: "127.0.0.1:5555", Transport: 4}, 5, 2)

	devs, err := ParseDevicesProto(b)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, &TransportInfo{
		Serial:         "abc",
		State:          CsDevice,
		BusAddress:     "usb:1-2",
		Model:          "Pixel_8",
		ConnectionType: CtUSB,
		MaxSpeed:       5000,
		Transport:      3,
	}, devs[0])
	assert.Equal(t, CsOffline, devs[1].State)
	assert.Equal(t, CtSocket, devs[1].ConnectionType)

	devs, err = ParseDevicesProto(nil)
	require.NoError(t, err)
	assert.Empty(t, devs)

	_, err = ParseDevicesProto(b[:len(b)-3])
	assert.Error(t, err)
}

func TestTrackDevices(t *testing.T) {
	snapshots := []string{
		"",
		"emulator-5554\toffline\n",
		"emulator-5554\tdevice\n",
	}
	h := fakeHost{
		"host:track-devices": func(c net.Conn) {
			for _, s := range snapshots {
				if adbproto.SendProtocolString(c, s) != nil {
					return
				}
			}
			io.Copy(io.Discard, c) // wait for close
		},
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var (
		err error
		got [][]*TransportInfo
	)
	for devs := range TrackDevices(ctx, h.dialer(), false)(&err) {
		got = append(got, devs)
		if len(got) == len(snapshots) {
			break
		}
	}
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Empty(t, got[0])
	assert.Equal(t, CsOffline, got[1][0].State)
	assert.Equal(t, CsDevice, got[2][0].State)
}

func TestTrackDevicesCancel(t *testing.T) {
	h := fakeHost{
		"host:track-devices": func(c net.Conn) {
			adbproto.SendProtocolString(c, "")
			io.Copy(io.Discard, c)
		},
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var err error
	for range TrackDevices(ctx, h.dialer(), false)(&err) {
		cancel()
	}
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransportSerial(t *testing.T) {
	h := fakeHost{
		"host:tport:serial:emulator-5554": func(c net.Conn) {
			binary.Write(c, binary.LittleEndian, uint64(3))
			if svc, err := adbproto.ReadProtocolString(c); err == nil && svc == "shell:true" {
				adbproto.SendOkay(c)
			}
		},
	}
	td := Server(h.dialer(), Serial("emulator-5554"))
	conn, err := td.DialADB(t.Context(), "shell:true")
	require.NoError(t, err)
	tid, ok := ServerConnTransportID(conn)
	assert.True(t, ok)
	assert.Equal(t, TransportID(3), tid)
	conn.Close()

	_, ok = td.TransportID()
	assert.False(t, ok, "only sticky dialers pin the transport")

	conn, err = Server(h.dialer(), Serial("")).DialADB(t.Context(), "shell:true")
	assert.ErrorIs(t, err, errNoTransport)
	assert.True(t, conn == nil, "failed dial should return a nil interface, got %#v", conn)

	conn, err = StickyServer(h.dialer(), Serial("")).DialADB(t.Context(), "shell:true")
	assert.ErrorIs(t, err, errNoTransport)
	assert.True(t, conn == nil, "failed dial should return a nil interface, got %#v", conn)
}
