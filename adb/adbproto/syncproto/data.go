package syncproto

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// DataReader reads the DATA packets of a RECV until DONE.
type DataReader struct {
	r   io.Reader
	rem uint32
	err error
}

// NewDataReader returns a reader which reads file data from r. It returns
// [io.EOF] once DONE is received, a [*SyncError] if FAIL is received, or a
// sticky error otherwise.
func NewDataReader(r io.Reader) *DataReader {
	return &DataReader{r: r}
}

func (d *DataReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	for d.rem == 0 {
		id, err := ReadResponse(d.r, IDData, IDDone)
		if err != nil {
			d.err = err
			break
		}
		n, err := ReadObject[uint32](d.r)
		if err != nil {
			d.err = err
			break
		}
		if id == IDDone {
			d.err = io.EOF
			break
		}
		if n > DataMax {
			d.err = adbproto.ProtocolErrorf("sync: DATA length %d too long", n)
			break
		}
		d.rem = n
	}
	if d.err != nil {
		return 0, d.err
	}
	n, err := d.r.Read(p[:min(len(p), int(d.rem))])
	d.rem -= uint32(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = adbproto.ProtocolErrorf("sync: read DATA: %w", err)
		if n == 0 {
			return 0, d.err
		}
	}
	return n, nil
}

// Err returns the error which stopped the reader, or nil if it is still
// readable or stopped at DONE.
func (d *DataReader) Err() error {
	if d.err == io.EOF {
		return nil
	}
	return d.err
}

// DataWriter writes the DATA packets of a SEND, then DONE on Close.
type DataWriter struct {
	w     io.Writer
	mtime uint32
	buf   []byte
	err   error
}

var errWriterClosed = errors.New("sync: data writer closed")

// NewDataWriter returns a writer which splits file data into DATA packets of
// at most [DataMax] bytes. Close sends DONE with the modification time, but
// does not wait for the status.
func NewDataWriter(w io.Writer, mtime uint32) *DataWriter {
	return &DataWriter{
		w:     w,
		mtime: mtime,
		buf:   make([]byte, 8, 8+DataMax),
	}
}

func (d *DataWriter) Write(p []byte) (int, error) {
	var total int
	for len(p) != 0 {
		if d.err != nil {
			return total, d.err
		}
		n := min(len(p), 8+DataMax-len(d.buf))
		d.buf = append(d.buf, p[:n]...)
		p = p[n:]
		total += n
		if len(d.buf) == 8+DataMax {
			d.flush()
		}
	}
	return total, d.err
}

// ReadFrom implements [io.ReaderFrom] to avoid an extra copy.
func (d *DataWriter) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for d.err == nil {
		n, err := r.Read(d.buf[len(d.buf):cap(d.buf)])
		d.buf = d.buf[:len(d.buf)+n]
		total += int64(n)
		if len(d.buf) == cap(d.buf) {
			d.flush()
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			return total, err
		}
	}
	return total, d.err
}

func (d *DataWriter) flush() {
	if d.err != nil || len(d.buf) == 8 {
		return
	}
	copy(d.buf[0:4], IDData[:])
	binary.LittleEndian.PutUint32(d.buf[4:8], uint32(len(d.buf)-8))
	if _, err := d.w.Write(d.buf); err != nil {
		d.err = adbproto.ProtocolErrorf("sync: send DATA: %w", err)
		return
	}
	d.buf = d.buf[:8]
}

// Close flushes buffered data and sends DONE.
func (d *DataWriter) Close() error {
	d.flush()
	if d.err != nil {
		return d.err
	}
	if err := WriteObject(d.w, IDDone, d.mtime); err != nil {
		d.err = err
		return err
	}
	d.err = errWriterClosed
	return nil
}
