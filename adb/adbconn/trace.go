package adbconn

import (
	"context"
	"reflect"

	"github.com/pgaskin/go-adbmux/adb/adbproto/aproto"
)

// ConnTrace is a set of hooks to run at various points in the lifecycle of a
// Conn. Any particular hook may be nil. Functions may be called concurrently
// from different goroutines and at arbitrary times. They should avoid blocking
// for extended periods of time, since most of them are called from the packet
// reader.
//
// These hooks should not be used for important logic. They are intended for
// debugging and metrics.
type ConnTrace struct {
	// --- handshake

	// AuthSignature is called before a token signature is sent.
	AuthSignature func(fingerprint string)

	// AuthPublicKey is called before a public key is sent. The device will
	// usually show an authorization prompt for it.
	AuthPublicKey func(fingerprint string)

	// TLS is called after the TLS handshake completes.
	TLS func(version uint16, cipherSuite uint16)

	// Connected is called after the device sends its CNXN.
	Connected func(banner *aproto.Banner, version, maxPayload uint32)

	// --- transport

	// PacketSent is called when a packet is about to be sent (it won't have the
	// checksum).
	PacketSent func(cmd aproto.Command, arg0 uint32, arg1 uint32, data []byte)

	// PacketReceived is called when a packet is received.
	PacketReceived func(pkt aproto.Packet)

	// PacketIgnored is called when a packet is ignored.
	PacketIgnored func(pkt aproto.Packet)

	// Closed is called once after the connection is closed.
	Closed func(reason error)

	// --- streams

	// StreamOpen is called before an OPEN is sent.
	StreamOpen func(local uint32, svc string)

	// StreamOpened is called when the device accepts a stream.
	StreamOpened func(local, remote uint32)

	// StreamRejected is called when the device rejects a stream.
	StreamRejected func(local uint32, err error)

	// StreamClosed is called exactly once for each stream which was opened,
	// after it is closed. The error is nil if it was closed normally by either
	// side.
	StreamClosed func(local, remote uint32, err error)
}

type connTraceKey struct{}

func contextConnTrace(ctx context.Context) *ConnTrace {
	if t := ctx.Value(connTraceKey{}); t != nil {
		return t.(*ConnTrace)
	}
	return nil
}

// WithConnTrace returns a new context based on the provided parent ctx. When
// the returned context is used to create a Conn, the provided trace hooks will
// be used, in addition to any previous hooks registered with ctx. Any hooks
// defined in the provided trace will be called first.
func WithConnTrace(ctx context.Context, trace *ConnTrace) context.Context {
	if trace == nil {
		panic("nil trace")
	}
	if old := ctx.Value(connTraceKey{}); old != nil {
		composeHooks(trace, old.(*ConnTrace))
	}
	return context.WithValue(ctx, connTraceKey{}, trace)
}

// composeHooks modifies func fields t to call the corresponding ones in next
// afterwards, if defined.
//
// inspired by net/http/httptrace
func composeHooks(t, next any) {
	tv := reflect.ValueOf(t).Elem()
	ov := reflect.ValueOf(next).Elem()
	structType := tv.Type()
	for i := 0; i < structType.NumField(); i++ {
		tf := tv.Field(i)
		hookType := tf.Type()
		if hookType.Kind() != reflect.Func {
			continue
		}
		of := ov.Field(i)
		if of.IsNil() {
			continue
		}
		if tf.IsNil() {
			tf.Set(of)
			continue
		}
		tfCopy := reflect.ValueOf(tf.Interface())
		newFunc := reflect.MakeFunc(hookType, func(args []reflect.Value) []reflect.Value {
			tfCopy.Call(args)
			return of.Call(args)
		})
		tv.Field(i).Set(newFunc)
	}
}
