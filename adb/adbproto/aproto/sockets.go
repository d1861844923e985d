package aproto

import (
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/sockets.cpp;drc=bef3d190db435c27fa76b9ed1b8d732de769ee1b
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/docs/dev/asocket.md;drc=2cbf5915385eb975e1cb07eb4605cd9a4f56f3c7

// ring is a fixed-size circular byte buffer.
type ring struct {
	buf []byte
	off int // start of data
	n   int // length of data
}

func (r *ring) free() int { return len(r.buf) - r.n }

// write copies as much of p as fits, returning the amount copied.
func (r *ring) write(p []byte) int {
	n := min(r.free(), len(p))
	c := copy(r.buf[(r.off+r.n)%len(r.buf):], p[:n])
	copy(r.buf, p[c:n])
	r.n += n
	return n
}

// read moves up to len(p) bytes into p, returning the amount moved.
func (r *ring) read(p []byte) int {
	n := min(r.n, len(p))
	c := copy(p[:n], r.buf[r.off:])
	copy(p[c:n], r.buf)
	r.off = (r.off + n) % len(r.buf)
	r.n -= n
	return n
}

// LocalSocket is the receiving half of a stream. The connection feeds it
// A_WRTE and A_CLSE packets with Handle, and sends the A_OKAY for each A_WRTE
// once Handle returns. It is safe for concurrent use.
type LocalSocket struct {
	Local  uint32
	Remote uint32

	// BufferSize is required, and must be at least the max payload size so a
	// whole packet can be accepted at once.
	BufferSize uint32

	deadline deadline
	closer   closer

	mu      sync.Mutex
	ring    ring
	eof     bool
	reason  error
	changed chan struct{} // closed and replaced whenever ring or eof changes
}

var _ io.ReadCloser = (*LocalSocket)(nil)

func (r *LocalSocket) initLocked() {
	if r.Local == 0 || r.Remote == 0 || r.BufferSize == 0 {
		panic("aproto: LocalSocket requires Local, Remote, and BufferSize")
	}
	if r.ring.buf == nil {
		r.ring.buf = make([]byte, r.BufferSize)
		r.changed = make(chan struct{})
	}
}

func (r *LocalSocket) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// waitLocked releases the lock until the state changes, returning false if
// closed or timeout (which may be nil) fires first.
func (r *LocalSocket) waitLocked(closed, timeout <-chan struct{}) bool {
	changed := r.changed
	r.mu.Unlock()
	defer r.mu.Lock()
	select {
	case <-changed:
		return true
	case <-closed:
	case <-timeout:
	}
	return false
}

// Handle accepts an A_WRTE or A_CLSE addressed to the socket. The payload is
// copied before returning. It blocks while the buffer is full, and returns
// false if the packet is for another socket, or the socket was closed or
// reached EOF first. It must not be called concurrently with itself.
func (r *LocalSocket) Handle(pkt Packet) bool {
	if pkt.Command != A_WRTE && pkt.Command != A_CLSE {
		return false
	}
	if pkt.Arg0 != r.Remote || pkt.Arg1 != r.Local || r.closer.IsClosed() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.initLocked()

	if pkt.Command == A_CLSE {
		if !r.eof {
			r.eof = true
			r.broadcastLocked()
		}
		return true
	}

	for data := pkt.Payload; len(data) != 0; {
		for r.ring.free() == 0 && !r.eof {
			if !r.waitLocked(r.closer.Closed(), nil) {
				return false
			}
		}
		if r.eof {
			return false
		}
		data = data[r.ring.write(data):]
		r.broadcastLocked()
	}
	return true
}

// Buffered returns the number of bytes waiting to be read.
func (r *LocalSocket) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.n
}

// Read blocks until data is available. After an A_CLSE, it returns what is
// left, then io.EOF.
func (r *LocalSocket) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initLocked()

	if r.closer.IsClosed() {
		return 0, r.closedErrLocked()
	}
	if len(b) == 0 {
		return 0, nil
	}
	for r.ring.n == 0 && !r.eof {
		if !r.waitLocked(r.closer.Closed(), r.deadline.Done()) {
			if r.closer.IsClosed() {
				return 0, r.closedErrLocked()
			}
			return 0, os.ErrDeadlineExceeded
		}
	}
	if r.ring.n == 0 {
		return 0, io.EOF
	}
	n := r.ring.read(b)
	r.broadcastLocked()
	return n, nil
}

func (r *LocalSocket) closedErrLocked() error {
	if r.reason != nil {
		return r.reason
	}
	return net.ErrClosed
}

// SetDeadline sets the deadline for pending and future reads. A zero t
// removes it.
func (r *LocalSocket) SetDeadline(t time.Time) {
	r.deadline.Set(t)
}

// Close makes pending and future reads (and a blocked Handle) fail with
// [net.ErrClosed]. Nothing is sent to the peer. It always returns nil.
func (r *LocalSocket) Close() error {
	return r.Reset(nil)
}

// Reset is like Close, but reads fail with err instead if it is not nil. Only
// the first Reset or Close has an effect.
func (r *LocalSocket) Reset(err error) error {
	r.mu.Lock()
	if !r.closer.IsClosed() && r.reason == nil {
		r.reason = err
	}
	r.mu.Unlock()
	return r.closer.Close(nil)
}

// RemoteSocket is the sending half of a stream. It sends at most MaxPayload
// per A_WRTE, and waits for the A_OKAY before sending another. Concurrent
// writes are queued whole, so they never interleave.
type RemoteSocket struct {
	Local  uint32
	Remote uint32

	MaxPayload uint32                                                         // required
	Send       func(cmd Command, arg0 uint32, arg1 uint32, data []byte) error // required, called concurrently

	deadline deadline
	closer   closer

	once   sync.Once
	credit chan struct{} // holds a token when a packet may be sent
	wmu    sync.Mutex
	mu     sync.Mutex
	reason error
}

var _ io.WriteCloser = (*RemoteSocket)(nil)

func (w *RemoteSocket) init() {
	w.once.Do(func() {
		if w.Local == 0 || w.Remote == 0 || w.MaxPayload == 0 || w.Send == nil {
			panic("aproto: RemoteSocket requires Local, Remote, MaxPayload, and Send")
		}
		w.credit = make(chan struct{}, 1)
		w.credit <- struct{}{}
	})
}

func (w *RemoteSocket) refund() {
	select {
	case w.credit <- struct{}{}:
	default:
	}
}

// Handle accepts an A_OKAY addressed to the socket. Extra acknowledgements
// never allow more than one packet in flight. It must not be called
// concurrently with itself.
func (w *RemoteSocket) Handle(pkt Packet) bool {
	if pkt.Command != A_OKAY || pkt.Arg0 != w.Remote || pkt.Arg1 != w.Local {
		return false
	}
	w.init()
	w.refund()
	return true
}

// Pending reports whether a packet is waiting for its A_OKAY.
func (w *RemoteSocket) Pending() bool {
	w.init()
	return len(w.credit) == 0
}

// Write sends b in as many packets as needed. On error, n is the amount which
// was sent.
func (w *RemoteSocket) Write(b []byte) (n int, err error) {
	w.init()
	w.wmu.Lock()
	defer w.wmu.Unlock()

	if w.closer.IsClosed() {
		return 0, w.closedErr()
	}
	for len(b) != 0 {
		select {
		case <-w.credit:
		default:
			select {
			case <-w.credit:
			case <-w.closer.Closed():
				return n, w.closedErr()
			case <-w.deadline.Done():
				return n, os.ErrDeadlineExceeded
			}
		}
		if w.closer.IsClosed() {
			w.refund()
			return n, w.closedErr()
		}
		chunk := b[:min(len(b), int(w.MaxPayload))]
		if err := w.Send(A_WRTE, w.Local, w.Remote, chunk); err != nil {
			w.refund()
			return n, err
		}
		b = b[len(chunk):]
		n += len(chunk)
	}
	return n, nil
}

func (w *RemoteSocket) closedErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reason != nil {
		return w.reason
	}
	return net.ErrClosed
}

// Close makes writes which have not started sending fail with
// [net.ErrClosed]. Nothing is sent to the peer.
func (w *RemoteSocket) Close() error {
	return w.Reset(nil)
}

// Reset is like Close, but writes fail with err instead if it is not nil.
// Only the first Reset or Close has an effect.
func (w *RemoteSocket) Reset(err error) error {
	w.mu.Lock()
	if !w.closer.IsClosed() && w.reason == nil {
		w.reason = err
	}
	w.mu.Unlock()
	return w.closer.Close(nil)
}

// SetDeadline sets the deadline for pending and future writes. It bounds
// waiting for the peer to acknowledge the previous packet, not Send itself, so
// a write which times out may still have sent some data. A zero t removes it.
func (w *RemoteSocket) SetDeadline(t time.Time) {
	w.deadline.Set(t)
}
