package adbproto

import (
	"slices"
	"strings"
)

// Feature is an optional feature supported by the device.
type Feature string

// Features as of version 41 (2025-03-25).
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/transport.cpp;l=81-105;drc=2d3e62c2af54a3e8f8803ea10492e63b8dfe709f
const (
	FeatureShell2                    Feature = "shell_v2"
	FeatureCmd                       Feature = "cmd"
	FeatureStat2                     Feature = "stat_v2"
	FeatureLs2                       Feature = "ls_v2"
	FeatureLibusb                    Feature = "libusb"
	FeaturePushSync                  Feature = "push_sync"
	FeatureApex                      Feature = "apex"
	FeatureFixedPushMkdir            Feature = "fixed_push_mkdir"
	FeatureAbb                       Feature = "abb"
	FeatureFixedPushSymlinkTimestamp Feature = "fixed_push_symlink_timestamp"
	FeatureAbbExec                   Feature = "abb_exec"
	FeatureRemountShell              Feature = "remount_shell"
	FeatureTrackApp                  Feature = "track_app"
	FeatureSendRecv2                 Feature = "sendrecv_v2"
	FeatureSendRecv2Brotli           Feature = "sendrecv_v2_brotli"
	FeatureSendRecv2LZ4              Feature = "sendrecv_v2_lz4"
	FeatureSendRecv2Zstd             Feature = "sendrecv_v2_zstd"
	FeatureSendRecv2DryRunSend       Feature = "sendrecv_v2_dry_run_send"
	FeatureDelayedAck                Feature = "delayed_ack"
	FeatureOpenscreenMdns            Feature = "openscreen_mdns"
	FeatureDeviceTrackerProtoFormat  Feature = "devicetracker_proto_format"
	FeatureDevRaw                    Feature = "devraw"
	FeatureAppInfo                   Feature = "app_info"      // Add information to track-app (package name, ...)
	FeatureServerStatus              Feature = "server_status" // Ability to output server status
)

// HostFeatures are the features advertised by default in the A_CNXN banner
// sent to a device. Delayed acks are not included since streams use one
// packet of credit.
var HostFeatures = []Feature{
	FeatureShell2,
	FeatureCmd,
	FeatureStat2,
	FeatureLs2,
	FeatureFixedPushMkdir,
	FeatureApex,
	FeatureAbb,
	FeatureFixedPushSymlinkTimestamp,
	FeatureAbbExec,
	FeatureRemountShell,
	FeatureTrackApp,
	FeatureSendRecv2,
	FeatureSendRecv2Brotli,
	FeatureSendRecv2LZ4,
	FeatureSendRecv2Zstd,
	FeatureSendRecv2DryRunSend,
}

// FeatureSet is a set of features.
type FeatureSet map[Feature]struct{}

// ParseFeatures parses a comma-separated feature list. Empty items are
// ignored.
func ParseFeatures(s string) FeatureSet {
	fs := FeatureSet{}
	for f := range strings.SplitSeq(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fs[Feature(f)] = struct{}{}
		}
	}
	return fs
}

// NewFeatureSet creates a set containing the features.
func NewFeatureSet(f ...Feature) FeatureSet {
	fs := make(FeatureSet, len(f))
	for _, x := range f {
		fs[x] = struct{}{}
	}
	return fs
}

// Has checks if f is in the set. It is safe to call on a nil set.
func (fs FeatureSet) Has(f Feature) bool {
	_, ok := fs[f]
	return ok
}

// Intersect returns the features in both sets.
func (fs FeatureSet) Intersect(other FeatureSet) FeatureSet {
	r := FeatureSet{}
	for f := range fs {
		if other.Has(f) {
			r[f] = struct{}{}
		}
	}
	return r
}

// Sorted returns the features in lexical order.
func (fs FeatureSet) Sorted() []Feature {
	r := make([]Feature, 0, len(fs))
	for f := range fs {
		r = append(r, f)
	}
	slices.Sort(r)
	return r
}

// String formats the set as a sorted comma-separated list.
func (fs FeatureSet) String() string {
	return FormatFeatures(fs.Sorted())
}

// FormatFeatures formats a comma-separated feature list in the order given.
func FormatFeatures(f []Feature) string {
	var b strings.Builder
	for i, x := range f {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(x))
	}
	return b.String()
}
