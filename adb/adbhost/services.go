package adbhost

import (
	"context"
	"iter"
	"strconv"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/services.cpp;drc=01cbbf505e3348a70cd846b26fae603bdf44b3c5
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=1275-1616;drc=9f298fb1f3317371b49439efb20a598b3a881bf3
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=1133-1242;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1

// Kill asks the server to exit. Servers started with ADB_REJECT_KILL_SERVER=1
// refuse.
func Kill(ctx context.Context, srv *Dialer) error {
	conn, err := srv.DialADBHost(ctx, "host:kill")
	if err == nil {
		conn.Close()
	}
	return err
}

// Version returns the server's internal version number, which is unrelated to
// the device protocol version.
func Version(ctx context.Context, srv *Dialer) (int, error) {
	buf, err := srv.request(ctx, "host:version")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(string(buf), 16, 32)
	if err != nil {
		return 0, adbproto.ProtocolErrorf("parse version %q: %w", buf, err)
	}
	return int(v), nil
}

// devicesService picks the listing service and its parser. Only the tracker
// has a protobuf form.
func devicesService(srv *Dialer, track, long bool) (string, func([]byte) ([]*TransportInfo, error)) {
	svc := "host:devices"
	if track {
		if long && srv.SupportsFeature(adbproto.FeatureDeviceTrackerProtoFormat) {
			return "host:track-devices-proto-binary", ParseDevicesProto
		}
		svc = "host:track-devices"
	}
	if long {
		svc += "-l"
	}
	return svc, ParseDevices
}

// Devices lists the devices with "host:devices" or "host:devices-l". The text
// format leaves some fields unset, and the server sanitizes attributes.
func Devices(ctx context.Context, srv *Dialer, long bool) ([]*TransportInfo, error) {
	svc, parse := devicesService(srv, false, long)
	buf, err := srv.request(ctx, svc)
	if err != nil {
		return nil, err
	}
	return parse(buf)
}

// TrackDevices yields a full snapshot of the devices each time one changes,
// until ctx is done or the server goes away. With long set, the protobuf
// tracker is used if the server advertises
// [adbproto.FeatureDeviceTrackerProtoFormat] (see [Dialer.LoadFeatures]);
// otherwise it is the text format, as for [Devices].
//
//	var err error
//	for devs := range adbhost.TrackDevices(ctx, srv, true)(&err) {
//		fmt.Println(devs)
//	}
//	if err != nil {
//		return err
//	}
func TrackDevices(ctx context.Context, srv *Dialer, long bool) func(*error) iter.Seq[[]*TransportInfo] {
	return newErrIter(func(yield func([]*TransportInfo) bool) error {
		svc, parse := devicesService(srv, true, long)
		conn, err := srv.DialADBHost(ctx, svc)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer interruptOnDone(ctx, conn)()

		var buf []byte
		for {
			if buf, err = adbproto.ReadProtocolBytes(conn, buf[:0]); err != nil {
				return ctxOr(ctx, adbproto.ProtocolErrorf("read device list: %w", err))
			}
			devs, err := parse(buf)
			if err != nil {
				return adbproto.ProtocolErrorf("parse device list: %w", err)
			}
			if !yield(devs) {
				return nil
			}
		}
	})
}

// newErrIter adapts a fallible sequence into the iterator-with-error-pointer
// form used by this package.
func newErrIter[T any](seq func(yield func(T) bool) error) func(*error) iter.Seq[T] {
	return func(err *error) iter.Seq[T] {
		return func(yield func(T) bool) {
			*err = seq(yield)
		}
	}
}
