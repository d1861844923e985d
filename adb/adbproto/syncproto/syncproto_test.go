package syncproto

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

func TestRequest(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteRequest(&b, IDList, "/sdcard"))
	assert.Equal(t, "LIST\x07\x00\x00\x00/sdcard", b.String())

	id, path, err := ReadRequest(&b)
	require.NoError(t, err)
	assert.Equal(t, IDList, id)
	assert.Equal(t, "/sdcard", path)

	err = WriteRequest(&b, IDStat, strings.Repeat("a", PathMax+1))
	assert.ErrorIs(t, err, adbproto.ErrProtocol)
}

func TestObject(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteObject(&b, IDSend2, Send2{Mode: 0o100644, Flags: FlagZstd}))
	assert.Equal(t, 4+8, b.Len())

	id, err := ReadResponse(&b, IDSend2)
	require.NoError(t, err)
	assert.Equal(t, IDSend2, id)
	obj, err := ReadObject[Send2](&b)
	require.NoError(t, err)
	assert.Equal(t, Send2{Mode: 0o100644, Flags: FlagZstd}, obj)

	assert.Equal(t, 72, binary.Size(Dent2{}))
}

func TestResponse(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteStatus(&b, IDOkay, ""))
	require.NoError(t, ReadOkay(&b))

	require.NoError(t, WriteStatus(&b, IDFail, "open failed: No such file or directory"))
	err := ReadOkay(&b)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "open failed: No such file or directory", se.Message)
	assert.ErrorIs(t, err, ErrSync)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, err, adbproto.ENOENT)

	require.NoError(t, WriteStatus(&b, IDDone, ""))
	_, err = ReadResponse(&b, IDOkay)
	assert.ErrorIs(t, err, adbproto.ErrProtocol)

	b.Reset()
	_, err = ReadResponse(&b, IDOkay)
	assert.ErrorIs(t, err, io.EOF)
}

func TestData(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), DataMax/16*2+100)

	var b bytes.Buffer
	w := NewDataWriter(&b, 1234)
	n, err := w.Write(data[:100])
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	m, err := w.ReadFrom(bytes.NewReader(data[100:]))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-100), m)
	require.NoError(t, w.Close())
	_, err = w.Write([]byte{1})
	assert.Error(t, err, "write after close")

	// check the framing
	raw := bytes.NewReader(b.Bytes())
	var total int
	for {
		id, err := ReadResponse(raw, IDData, IDDone)
		require.NoError(t, err)
		n, err := ReadObject[uint32](raw)
		require.NoError(t, err)
		if id == IDDone {
			assert.Equal(t, uint32(1234), n, "DONE has the mtime")
			break
		}
		assert.LessOrEqual(t, n, uint32(DataMax))
		raw.Seek(int64(n), io.SeekCurrent)
		total += int(n)
	}
	assert.Equal(t, len(data), total)

	r := NewDataReader(&b)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoError(t, r.Err())
}

func TestDataEmpty(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, NewDataWriter(&b, 0).Close())
	assert.Equal(t, "DONE\x00\x00\x00\x00", b.String())

	got, err := io.ReadAll(NewDataReader(&b))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDataFail(t *testing.T) {
	var b bytes.Buffer
	w := NewDataWriter(&b, 0)
	w.Write([]byte("partial"))
	w.flush()
	WriteStatus(&b, IDFail, "read failed")

	r := NewDataReader(&b)
	got, err := io.ReadAll(r)
	assert.Equal(t, "partial", string(got))
	assert.ErrorIs(t, err, ErrSync)
	assert.ErrorIs(t, r.Err(), ErrSync)
}

func TestDataTruncated(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("DATA\x10\x00\x00\x00abc")
	_, err := io.ReadAll(NewDataReader(&b))
	assert.ErrorIs(t, err, adbproto.ErrProtocol)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// shortReader returns its data along with err, then panics if read again.
type shortReader struct {
	data []byte
	err  error
	done bool
}

func (r *shortReader) Read(p []byte) (int, error) {
	if r.done {
		panic("read after error")
	}
	r.done = true
	return copy(p, r.data), r.err
}

func TestDataPartialError(t *testing.T) {
	r := NewDataReader(io.MultiReader(
		strings.NewReader("DATA\x10\x00\x00\x00"),
		&shortReader{data: []byte("abc"), err: io.ErrClosedPipe},
	))
	buf := make([]byte, 16)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	n, err = r.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.ErrorIs(t, r.Err(), adbproto.ErrProtocol)
}
