// Package syncproto implements the wire format of the sync service.
//
// Requests are a 4 byte id and a little-endian length followed by a path.
// Responses are a 4 byte id followed by a fixed-size struct, and sometimes a
// variable-length name or message.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/file_sync_protocol.h;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1
package syncproto

import (
	"encoding/binary"
	"errors"
	"io"
	"strconv"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// ID identifies a request or response.
type ID [4]byte

var (
	IDStat   = ID{'S', 'T', 'A', 'T'} // lstat
	IDStat2  = ID{'S', 'T', 'A', '2'} // if stat_v2
	IDLstat2 = ID{'L', 'S', 'T', '2'} // if stat_v2
	IDList   = ID{'L', 'I', 'S', 'T'}
	IDList2  = ID{'L', 'I', 'S', '2'} // if ls_v2
	IDDent   = ID{'D', 'E', 'N', 'T'}
	IDDent2  = ID{'D', 'N', 'T', '2'} // if ls_v2
	IDSend   = ID{'S', 'E', 'N', 'D'}
	IDSend2  = ID{'S', 'N', 'D', '2'} // if sendrecv_v2
	IDRecv   = ID{'R', 'E', 'C', 'V'}
	IDRecv2  = ID{'R', 'C', 'V', '2'} // if sendrecv_v2
	IDDone   = ID{'D', 'O', 'N', 'E'}
	IDData   = ID{'D', 'A', 'T', 'A'}
	IDOkay   = ID{'O', 'K', 'A', 'Y'}
	IDFail   = ID{'F', 'A', 'I', 'L'}
	IDQuit   = ID{'Q', 'U', 'I', 'T'}
)

func (id ID) String() string {
	for _, c := range id {
		if c < '0' || c > 'Z' {
			return strconv.Quote(string(id[:]))
		}
	}
	return string(id[:])
}

const (
	// DataMax is the largest DATA payload.
	DataMax = 64 * 1024

	// PathMax is the longest path accepted by adbd.
	PathMax = 1024

	// FailMax limits the length of FAIL messages we will read.
	FailMax = 64 * 1024
)

// Stat1 follows IDStat.
type Stat1 struct {
	Mode  uint32
	Size  uint32
	Mtime uint32
}

// Stat2 follows IDStat2 and IDLstat2.
type Stat2 struct {
	Error uint32
	Dev   uint64
	Ino   uint64
	Mode  uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
}

// Dent1 follows IDDent, and is followed by the name.
type Dent1 struct {
	Mode    uint32
	Size    uint32
	Mtime   uint32
	Namelen uint32
}

// Dent2 follows IDDent2, and is followed by the name.
type Dent2 struct {
	Stat2
	Namelen uint32
}

// Send2 follows the second IDSend2 request.
type Send2 struct {
	Mode  uint32
	Flags uint32
}

// Recv2 follows the second IDRecv2 request.
type Recv2 struct {
	Flags uint32
}

// Flags for Send2 and Recv2.
const (
	FlagNone   uint32 = 0
	FlagBrotli uint32 = 1          // if sendrecv_v2_brotli
	FlagLZ4    uint32 = 2          // if sendrecv_v2_lz4
	FlagZstd   uint32 = 4          // if sendrecv_v2_zstd
	FlagDryRun uint32 = 0x80000000 // if sendrecv_v2_dry_run_send
)

// ErrSync is matched by [*SyncError].
var ErrSync = errors.New("sync failed")

// SyncError is the message from a FAIL response.
type SyncError struct {
	Message string
}

func (e *SyncError) Error() string {
	return ErrSync.Error() + ": " + e.Message
}

func (e *SyncError) Is(target error) bool {
	return target == ErrSync
}

// Unwrap returns the errno if the message ends with a known strerror message.
func (e *SyncError) Unwrap() error {
	if errno, ok := adbproto.ParseErrnoMessage(e.Message); ok {
		return errno
	}
	return nil
}

// AppendRequest appends a request for path.
func AppendRequest(b []byte, id ID, path string) ([]byte, error) {
	if len(path) > PathMax {
		return b, adbproto.ProtocolErrorf("sync %s: path too long (len=%d)", id, len(path))
	}
	b = append(b, id[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(path)))
	return append(b, path...), nil
}

// WriteRequest writes a request for path in a single write.
func WriteRequest(w io.Writer, id ID, path string) error {
	b, err := AppendRequest(nil, id, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return adbproto.ProtocolErrorf("sync %s: send request: %w", id, err)
	}
	return nil
}

// WriteObject writes id followed by the fixed-size obj in a single write.
func WriteObject(w io.Writer, id ID, obj any) error {
	b, err := binary.Append(id[:], binary.LittleEndian, obj)
	if err != nil {
		return adbproto.ProtocolErrorf("sync %s: encode: %w", id, err)
	}
	if _, err := w.Write(b); err != nil {
		return adbproto.ProtocolErrorf("sync %s: send: %w", id, err)
	}
	return nil
}

// WriteStatus writes an OKAY, FAIL, or DONE with a message or value.
func WriteStatus(w io.Writer, id ID, msg string) error {
	b := append([]byte(nil), id[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(msg)))
	b = append(b, msg...)
	if _, err := w.Write(b); err != nil {
		return adbproto.ProtocolErrorf("sync %s: send: %w", id, err)
	}
	return nil
}

// ReadID reads a response id.
func ReadID(r io.Reader) (ID, error) {
	var id ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, adbproto.ProtocolErrorf("sync: read id: %w", err)
	}
	return id, nil
}

// ReadRequest reads a request and its path.
func ReadRequest(r io.Reader) (ID, string, error) {
	id, err := ReadID(r)
	if err != nil {
		return id, "", err
	}
	path, err := ReadString(r, PathMax)
	if err != nil {
		return id, "", err
	}
	return id, path, nil
}

// ReadString reads a length-prefixed string of at most max bytes.
func ReadString(r io.Reader, max int) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", adbproto.ProtocolErrorf("sync: read length: %w", err)
	}
	if int64(n) > int64(max) {
		return "", adbproto.ProtocolErrorf("sync: length %d too long", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", adbproto.ProtocolErrorf("sync: read string: %w", err)
	}
	return string(b), nil
}

// ReadObject reads the fixed-size struct following an id.
func ReadObject[T any](r io.Reader) (T, error) {
	var obj T
	if err := binary.Read(r, binary.LittleEndian, &obj); err != nil {
		return obj, adbproto.ProtocolErrorf("sync: read %T: %w", obj, err)
	}
	return obj, nil
}

// ReadFail reads the message following IDFail and returns it as a
// [*SyncError].
func ReadFail(r io.Reader) error {
	msg, err := ReadString(r, FailMax)
	if err != nil {
		return err
	}
	return &SyncError{Message: msg}
}

// ReadResponse reads the id of a response, expecting one of ids. If the id is
// IDFail, the message is read and returned as a [*SyncError].
func ReadResponse(r io.Reader, ids ...ID) (ID, error) {
	id, err := ReadID(r)
	if err != nil {
		return id, err
	}
	if id == IDFail {
		return id, ReadFail(r)
	}
	for _, x := range ids {
		if id == x {
			return id, nil
		}
	}
	return id, adbproto.ProtocolErrorf("sync: unexpected response %s (expected %s)", id, ids)
}

// ReadOkay reads an OKAY or FAIL.
func ReadOkay(r io.Reader) error {
	if _, err := ReadResponse(r, IDOkay); err != nil {
		return err
	}
	msg, err := ReadString(r, FailMax)
	if err != nil {
		return err
	}
	if msg != "" {
		return adbproto.ProtocolErrorf("sync: unexpected OKAY message %q", msg)
	}
	return nil
}
