// Package adbproto implements the framing and errors shared by the ADB host
// server protocol and device services.
package adbproto

import (
	"fmt"
	"io"
	"strconv"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb_io.cpp;drc=af6fae67a49070ca75c26ceed5759576eb4d3573

// MaxProtocolString is the longest message a 4-digit hex length can describe.
const MaxProtocolString = 1<<16 - 1

// Status is the 4-byte reply to a service request.
type Status [4]byte

var (
	StatusOkay = Status{'O', 'K', 'A', 'Y'}
	StatusFail = Status{'F', 'A', 'I', 'L'}
)

func (s Status) String() string {
	if s == StatusOkay || s == StatusFail {
		return string(s[:])
	}
	return strconv.Quote(string(s[:]))
}

func appendProtocolString(b []byte, msg string) ([]byte, error) {
	if len(msg) > MaxProtocolString {
		return b, ProtocolErrorf("message too long (len=%d)", len(msg))
	}
	return append(fmt.Appendf(b, "%04x", len(msg)), msg...), nil
}

func write(w io.Writer, what string, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return ProtocolErrorf("send %s: %w", what, err)
	}
	return nil
}

// SendProtocolString writes msg with its hex length prefix in one write.
func SendProtocolString(w io.Writer, msg string) error {
	b, err := appendProtocolString(nil, msg)
	if err != nil {
		return err
	}
	return write(w, "data", b)
}

// SendOkay writes [StatusOkay].
func SendOkay(w io.Writer) error {
	return write(w, "okay", StatusOkay[:])
}

// SendFail writes [StatusFail] and reason.
func SendFail(w io.Writer, reason string) error {
	b, err := appendProtocolString(StatusFail[:], reason)
	if err != nil {
		return err
	}
	return write(w, "fail", b)
}

// ReadOkayFail reads a status. A FAIL is returned as a [*ServiceError] with
// the message which follows it.
func ReadOkayFail(r io.Reader) error {
	var status Status
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return ProtocolErrorf("read status: %w", err)
	}
	switch status {
	case StatusOkay:
		return nil
	case StatusFail:
		msg, err := ReadProtocolBytes(r, nil)
		if err != nil {
			return ProtocolErrorf("read fail reason: %w", err)
		}
		return &ServiceError{Status: status, Message: string(msg)}
	}
	return ProtocolErrorf("unexpected status %s", status)
}

// ReadProtocolBytes reads a hex length prefixed message, reusing buf if it has
// the capacity.
func ReadProtocolBytes(r io.Reader, buf []byte) ([]byte, error) {
	var hex [4]byte
	if _, err := io.ReadFull(r, hex[:]); err != nil {
		return nil, ProtocolErrorf("read length: %w", err)
	}
	n, err := strconv.ParseUint(string(hex[:]), 16, 16)
	if err != nil {
		return nil, ProtocolErrorf("invalid length %q", hex[:])
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ProtocolErrorf("read payload (len=%d): %w", n, err)
	}
	return buf, nil
}

// ReadProtocolString is like [ReadProtocolBytes], but returns a string.
func ReadProtocolString(r io.Reader) (string, error) {
	b, err := ReadProtocolBytes(r, nil)
	return string(b), err
}
