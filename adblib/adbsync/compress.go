package adbsync

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/syncproto"
)

// CompressionMethod is a compression method for sendrecv_v2.
type CompressionMethod string

const (
	CompressionNone   CompressionMethod = ""
	CompressionBrotli CompressionMethod = "brotli"
	CompressionLZ4    CompressionMethod = "lz4"
	CompressionZstd   CompressionMethod = "zstd"
)

func (m CompressionMethod) flag() uint32 {
	switch m {
	case CompressionBrotli:
		return syncproto.FlagBrotli
	case CompressionLZ4:
		return syncproto.FlagLZ4
	case CompressionZstd:
		return syncproto.FlagZstd
	}
	return syncproto.FlagNone
}

func (m CompressionMethod) feature() adbproto.Feature {
	switch m {
	case CompressionBrotli:
		return adbproto.FeatureSendRecv2Brotli
	case CompressionLZ4:
		return adbproto.FeatureSendRecv2LZ4
	case CompressionZstd:
		return adbproto.FeatureSendRecv2Zstd
	}
	return ""
}

func (m CompressionMethod) String() string {
	if m == CompressionNone {
		return "none"
	}
	return string(m)
}

// ParseCompressionMethod parses a method name, accepting "none" and "any".
// For "any", nil is returned.
func ParseCompressionMethod(s string) ([]CompressionMethod, error) {
	switch m := CompressionMethod(s); m {
	case "any":
		return nil, nil
	case "none", CompressionNone:
		return []CompressionMethod{}, nil
	case CompressionBrotli, CompressionLZ4, CompressionZstd:
		return []CompressionMethod{m}, nil
	}
	return nil, fmt.Errorf("unknown compression method %q", s)
}

// CompressionConfig configures compression for sendrecv_v2.
type CompressionConfig struct {
	// Methods are the allowed methods in order of preference. The first one
	// supported by both sides is used. A nil slice uses the default order. An
	// empty slice disables compression.
	Methods []CompressionMethod

	// Compress, if set, is used to create compressors.
	Compress func(method CompressionMethod, w io.Writer) (io.WriteCloser, error)

	// Decompress, if set, is used to create decompressors.
	Decompress func(method CompressionMethod, r io.Reader) (io.ReadCloser, error)
}

var defaultMethods = []CompressionMethod{
	CompressionZstd,
	CompressionLZ4,
	CompressionBrotli,
}

// negotiate returns the preferred method supported by both sides.
func (c *CompressionConfig) negotiate(features adbproto.FeatureSet) CompressionMethod {
	methods := defaultMethods
	if c != nil && c.Methods != nil {
		methods = c.Methods
	}
	for _, m := range methods {
		if m == CompressionNone || features.Has(m.feature()) {
			return m
		}
	}
	return CompressionNone
}

func (c *CompressionConfig) compress(method CompressionMethod, w io.Writer) (io.WriteCloser, error) {
	if c != nil && c.Compress != nil {
		return c.Compress(method, w)
	}
	switch method {
	case CompressionBrotli:
		return brotli.NewWriter(w), nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	}
	return nil, fmt.Errorf("%w: compression method %q", errors.ErrUnsupported, method)
}

func (c *CompressionConfig) decompress(method CompressionMethod, r io.Reader) (io.ReadCloser, error) {
	if c != nil && c.Decompress != nil {
		return c.Decompress(method, r)
	}
	switch method {
	case CompressionBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("%w: decompression method %q", errors.ErrUnsupported, method)
}
