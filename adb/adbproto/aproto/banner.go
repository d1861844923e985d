package aproto

import (
	"slices"
	"strings"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=297-347;drc=af6fae67a49070ca75c26ceed5759576eb4d3573

// ConnectionProps is the list of properties which should be sent in the A_CNXN
// banner.
var ConnectionProps = []string{
	"ro.product.name",
	"ro.product.model",
	"ro.product.device",
}

// Banner types.
const (
	BannerHost       = "host"
	BannerDevice     = "device"
	BannerBootloader = "bootloader"
	BannerRecovery   = "recovery"
	BannerSideload   = "sideload"
	BannerRescue     = "rescue"
)

// Banner is the connection string sent in the A_CNXN payload, like
// "device::ro.product.name=x;ro.product.model=y;features=a,b".
type Banner struct {
	Type     string
	Serial   string
	Props    map[string]string
	Features adbproto.FeatureSet
}

// ParseBanner parses an A_CNXN payload. Unknown props are kept.
func ParseBanner(buf []byte) *Banner {
	s := strings.TrimRight(string(buf), "\x00")
	b := &Banner{
		Props:    map[string]string{},
		Features: adbproto.FeatureSet{},
	}
	pieces := strings.SplitN(s, ":", 3)
	b.Type = pieces[0]
	if len(pieces) > 1 {
		b.Serial = pieces[1]
	}
	if len(pieces) > 2 {
		for prop := range strings.SplitSeq(pieces[2], ";") {
			k, v, ok := strings.Cut(prop, "=")
			if !ok || k == "" {
				continue
			}
			if k == "features" {
				b.Features = adbproto.ParseFeatures(v)
				continue
			}
			b.Props[k] = v
		}
	}
	return b
}

// Prop gets a prop, returning an empty string if it isn't set.
func (b *Banner) Prop(k string) string {
	return b.Props[k]
}

// AppendBinary encodes the banner. The [ConnectionProps] come first, then the
// others in lexical order, then the features.
func (b *Banner) AppendBinary(buf []byte) ([]byte, error) {
	buf = append(buf, b.Type...)
	buf = append(buf, ':')
	buf = append(buf, b.Serial...)
	buf = append(buf, ':')
	var n int
	prop := func(k, v string) {
		if n != 0 {
			buf = append(buf, ';')
		}
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, v...)
		n++
	}
	for _, k := range ConnectionProps {
		if v, ok := b.Props[k]; ok {
			prop(k, v)
		}
	}
	var other []string
	for k := range b.Props {
		if !slices.Contains(ConnectionProps, k) && k != "features" {
			other = append(other, k)
		}
	}
	slices.Sort(other)
	for _, k := range other {
		prop(k, b.Props[k])
	}
	if len(b.Features) != 0 {
		prop("features", b.Features.String())
	}
	return buf, nil
}

// MarshalBinary is like AppendBinary.
func (b *Banner) MarshalBinary() ([]byte, error) {
	return b.AppendBinary(nil)
}

func (b *Banner) String() string {
	buf, _ := b.AppendBinary(nil)
	return string(buf)
}

// HostBanner creates the banner sent by a client.
func HostBanner(features []adbproto.Feature) []byte {
	return append([]byte("host::features="), adbproto.FormatFeatures(features)...)
}
