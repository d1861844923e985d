// Package aproto implements the packet layer spoken between adb and adbd over
// a byte stream: 24-byte message headers, payloads, and the constants used
// while negotiating a connection.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/types.h;drc=61197364367c9e404c7da6900658f1b16c42d0da
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.h;drc=61197364367c9e404c7da6900658f1b16c42d0da
package aproto

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"slices"
)

const (
	MaxPayloadSizeV1 = 4 << 10 // before VersionSkipChecksum
	MaxPayloadSize   = 1 << 20

	// MinPayloadSize is the smallest max payload a peer may advertise.
	MinPayloadSize = MaxPayloadSizeV1
)

// Protocol versions sent in A_CNXN.
const (
	VersionMin          uint32 = 0x01000000
	VersionSkipChecksum uint32 = 0x01000001 // payload checksums may be zero
)

// STLSVersionMin is the version sent in A_STLS.
const STLSVersionMin uint32 = 0x01000000

// Command identifies a packet. Its value is the ASCII name in little-endian.
type Command uint32

const (
	A_SYNC Command = 'S' | 'Y'<<8 | 'N'<<16 | 'C'<<24
	A_CNXN Command = 'C' | 'N'<<8 | 'X'<<16 | 'N'<<24
	A_OPEN Command = 'O' | 'P'<<8 | 'E'<<16 | 'N'<<24
	A_OKAY Command = 'O' | 'K'<<8 | 'A'<<16 | 'Y'<<24
	A_CLSE Command = 'C' | 'L'<<8 | 'S'<<16 | 'E'<<24
	A_WRTE Command = 'W' | 'R'<<8 | 'T'<<16 | 'E'<<24
	A_AUTH Command = 'A' | 'U'<<8 | 'T'<<16 | 'H'<<24
	A_STLS Command = 'S' | 'T'<<8 | 'L'<<16 | 'S'<<24
)

// String returns the four-letter name, or hex if c is not printable as one.
func (c Command) String() string {
	name := binary.LittleEndian.AppendUint32(make([]byte, 0, 4), uint32(c))
	if slices.ContainsFunc(name, func(x byte) bool { return x < 'A' || x > 'Z' }) {
		return fmt.Sprintf("0x%08X", uint32(c))
	}
	return string(name)
}

// Values of Arg0 for A_AUTH.
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

// AuthTokenSize is the length of the A_AUTH token payload.
const AuthTokenSize = 20

// MessageSize is the encoded size of a [Message].
const MessageSize = 24

// Message is a packet header.
type Message struct {
	Command    Command
	Arg0       uint32
	Arg1       uint32
	DataLength uint32
	DataCheck  uint32 // byte sum of the payload, or zero
	Magic      uint32 // ^Command
}

// Packet is a header followed by its payload.
type Packet struct {
	Message
	Payload []byte
}

var (
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ encoding.BinaryAppender    = Message{}
	_ encoding.BinaryMarshaler   = Message{}
	_ encoding.BinaryAppender    = Packet{}
)

// NewMessage returns the header for sending payload. DataCheck is only set if
// checksum is true.
func NewMessage(cmd Command, arg0, arg1 uint32, payload []byte, checksum bool) Message {
	var sum uint32
	if checksum {
		sum = Checksum(payload)
	}
	return Message{cmd, arg0, arg1, uint32(len(payload)), sum, ^uint32(cmd)}
}

// Checksum returns the sum of the bytes in payload.
func Checksum(payload []byte) (sum uint32) {
	for _, b := range payload {
		sum += uint32(b)
	}
	return
}

func (m *Message) words() [6]*uint32 {
	return [6]*uint32{(*uint32)(&m.Command), &m.Arg0, &m.Arg1, &m.DataLength, &m.DataCheck, &m.Magic}
}

// UnmarshalBinary decodes a header. It does not check the magic.
func (m *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) != MessageSize {
		return fmt.Errorf("message header is %d bytes, expected %d", len(buf), MessageSize)
	}
	for i, w := range m.words() {
		*w = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

// AppendBinary appends the encoded header to b.
func (m Message) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, MessageSize)
	for _, w := range m.words() {
		b = binary.LittleEndian.AppendUint32(b, *w)
	}
	return b, nil
}

// MarshalBinary returns the encoded header.
func (m Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(nil)
}

// IsMagicValid reports whether Magic matches Command.
func (m Message) IsMagicValid() bool {
	return m.Magic == ^uint32(m.Command)
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d, %d, len=%d)", m.Command, m.Arg0, m.Arg1, m.DataLength)
}

// AppendBinary appends the encoded header and payload to b. The header is
// written as-is, so it should come from [NewMessage].
func (p Packet) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, MessageSize+len(p.Payload))
	b, _ = p.Message.AppendBinary(b)
	return append(b, p.Payload...), nil
}
