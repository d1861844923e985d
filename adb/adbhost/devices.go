package adbhost

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ConnectionState is the state of a device as reported by the host server.
// The server only ever sends it as a string or protobuf enum name, so it is
// kept as a string.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.h;l=105-123;drc=4af6e4ff6ff587b344236c30cb3d6765cb1de6be
type ConnectionState string

// States before the CNXN handshake completes.
const (
	CsConnecting   ConnectionState = "connecting"
	CsAuthorizing  ConnectionState = "authorizing"  // trying vendor keys
	CsUnauthorized ConnectionState = "unauthorized" // waiting for the user to accept the key
	CsNoPerm       ConnectionState = "no permissions"
	CsDetached     ConnectionState = "detached" // known to the server, but not claimed
	CsOffline      ConnectionState = "offline"
)

// States after CNXN, which name what is running on the other end.
const (
	CsBootloader ConnectionState = "bootloader" // fastboot or fastbootd
	CsDevice     ConnectionState = "device"     // adbd
	CsHost       ConnectionState = "host"       // seen from the device side
	CsRecovery   ConnectionState = "recovery"
	CsSideload   ConnectionState = "sideload" // minadbd
	CsRescue     ConnectionState = "rescue"   // minadbd
)

// ParseConnectionState converts s to a ConnectionState. The server may follow
// "no permissions" with an explanation, which is discarded.
func ParseConnectionState(s string) ConnectionState {
	if strings.HasPrefix(s, string(CsNoPerm)+" (") {
		return CsNoPerm
	}
	return ConnectionState(s)
}

// String returns the connection state as a string.
func (c ConnectionState) String() string {
	if c == "" {
		return "unknown"
	}
	return string(c)
}

// connectionStates maps known states to whether they are online.
var connectionStates = map[ConnectionState]bool{
	CsConnecting:   false,
	CsAuthorizing:  false,
	CsUnauthorized: false,
	CsNoPerm:       false,
	CsDetached:     false,
	CsOffline:      false,
	CsBootloader:   true,
	CsDevice:       true,
	CsHost:         true,
	CsRecovery:     true,
	CsSideload:     true,
	CsRescue:       true,
}

// IsOnline returns true if the device has completed the handshake.
func (c ConnectionState) IsOnline() bool {
	return connectionStates[c]
}

// IsValid returns true if the state is a recognized value.
func (c ConnectionState) IsValid() bool {
	_, ok := connectionStates[c]
	return ok
}

// ConnectionType is the kind of link to a device. It is only reported by the
// protobuf device tracker.
type ConnectionType string

const (
	CtUnknown ConnectionType = "unknown"
	CtUSB     ConnectionType = "usb"
	CtSocket  ConnectionType = "socket"
)

// ParseConnectionType converts s to a ConnectionType.
func ParseConnectionType(s string) ConnectionType {
	return ConnectionType(s)
}

// String returns the connection type as a string.
func (c ConnectionType) String() string {
	if c == "" {
		return "unknown"
	}
	return string(c)
}

// IsValid returns true if the type is a recognized value, including
// [CtUnknown].
func (c ConnectionType) IsValid() bool {
	return c == CtUnknown || c == CtUSB || c == CtSocket
}

// TransportInfo describes a device attached to the host server. The text
// listings only fill in some fields.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/transport.cpp;l=1372-1435;drc=af6fae67a49070ca75c26ceed5759576eb4d3573
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/transport.cpp;l=1341-1468;drc=af6fae67a49070ca75c26ceed5759576eb4d3573
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/transport.h;l=317-404;drc=af6fae67a49070ca75c26ceed5759576eb4d3573
type TransportInfo struct {
	Serial          string
	State           ConnectionState
	BusAddress      string
	Product         string
	Model           string
	Device          string
	ConnectionType  ConnectionType
	NegotiatedSpeed int64
	MaxSpeed        int64
	Transport       TransportID
}

// ParseDevices parses the text output of "host:devices", "host:devices-l",
// and the text device tracker. The server replaces non-alphanumeric characters
// in long listing attributes with underscores.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/transport.cpp;l=1372-1435;drc=af6fae67a49070ca75c26ceed5759576eb4d3573
func ParseDevices(buf []byte) ([]*TransportInfo, error) {
	var devs []*TransportInfo
	for line := range strings.Lines(string(buf)) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		info, err := parseDeviceLine(line)
		if err != nil {
			return devs, fmt.Errorf("parse line %q: %w", line, err)
		}
		devs = append(devs, info)
	}
	return devs, nil
}

// parseDeviceLine parses "serial\tstate" or, for long listings, "serial state
// [devpath] key:value...", where the serial is padded with spaces.
func parseDeviceLine(line string) (*TransportInfo, error) {
	info := new(TransportInfo)

	serial, rest, short := strings.Cut(line, "\t")
	if !short {
		var ok bool
		if serial, rest, ok = strings.Cut(line, " "); !ok {
			return nil, errors.New("missing separator after serial")
		}
		rest = strings.TrimLeft(rest, " ")
	}
	if serial != "(no serial number)" {
		info.Serial = serial
	}

	// https://cs.android.com/android/platform/superproject/main/+/main:system/core/diagnose_usb/diagnose_usb.cpp;l=83-90;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1
	if r, ok := strings.CutPrefix(rest, string(CsNoPerm)); ok {
		if _, after, ok := strings.Cut(r, "]"); ok {
			r = after // skip the explanation, which ends with "see [url]"
		}
		info.State, rest = CsNoPerm, r
	} else {
		var state string
		state, rest, _ = strings.Cut(rest, " ")
		info.State = ParseConnectionState(state)
	}
	if short {
		return info, nil
	}

	for i, attr := range slices.Collect(strings.FieldsSeq(rest)) {
		k, v, _ := strings.Cut(attr, ":")
		switch k {
		case "product":
			info.Product = v
		case "model":
			info.Model = v
		case "device":
			info.Device = v
		case "transport_id":
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse transport id: %w", err)
			}
			info.Transport = TransportID(id)
		default:
			if i == 0 {
				info.BusAddress = attr // e.g., usb:1-1
			}
		}
	}
	return info, nil
}
