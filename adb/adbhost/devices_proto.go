package adbhost

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/proto/adb_host.proto;drc=9f298fb1f3317371b49439efb20a598b3a881bf3

var protoConnectionState = [...]ConnectionState{
	CsConnecting,
	CsAuthorizing,
	CsUnauthorized,
	CsNoPerm,
	CsDetached,
	CsOffline,
	CsBootloader,
	CsDevice,
	CsHost,
	CsRecovery,
	CsSideload,
	CsRescue,
}

var protoConnectionType = [...]ConnectionType{
	CtUnknown,
	CtUSB,
	CtSocket,
}

// ParseDevicesProto parses devices info from the binary protobuf device
// tracker output (an adb.proto.Devices message). Unknown fields and enum
// values are ignored for forwards compatibility.
func ParseDevicesProto(buf []byte) ([]*TransportInfo, error) {
	var devs []*TransportInfo
	err := protoFields(buf, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		info, err := parseDeviceProto(b)
		if err != nil {
			return fmt.Errorf("device %d: %w", len(devs), err)
		}
		devs = append(devs, info)
		return nil
	})
	return devs, err
}

func parseDeviceProto(buf []byte) (*TransportInfo, error) {
	var info TransportInfo
	err := protoFields(buf, func(num protowire.Number, typ protowire.Type, b []byte, v uint64) error {
		if typ == protowire.BytesType {
			switch num {
			case 1:
				info.Serial = string(b)
			case 3:
				info.BusAddress = string(b)
			case 4:
				info.Product = string(b)
			case 5:
				info.Model = string(b)
			case 6:
				info.Device = string(b)
			}
			return nil
		}
		if typ == protowire.VarintType {
			switch num {
			case 2:
				if v < uint64(len(protoConnectionState)) {
					info.State = protoConnectionState[v]
				}
			case 7:
				if v < uint64(len(protoConnectionType)) {
					info.ConnectionType = protoConnectionType[v]
				}
			case 8:
				info.NegotiatedSpeed = int64(v)
			case 9:
				info.MaxSpeed = int64(v)
			case 10:
				info.Transport = TransportID(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// protoFields calls fn for each field in a message. For bytes fields, b is
// set, and for varint fields, v is set.
func protoFields(buf []byte, fn func(num protowire.Number, typ protowire.Type, b []byte, v uint64) error) error {
	for len(buf) != 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("parse tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		var (
			b []byte
			v uint64
		)
		switch typ {
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(buf)
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(buf)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return fmt.Errorf("parse field %d: %w", num, protowire.ParseError(n))
		}
		buf = buf[n:]

		if err := fn(num, typ, b, v); err != nil {
			return err
		}
	}
	return nil
}
