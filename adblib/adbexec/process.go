package adbexec

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/shellproto2"
)

// Process is a command running on the device.
type Process struct {
	netconn net.Conn
	conn    *shellproto2.Conn // nil for the exec service

	wmu         sync.Mutex
	stdinClosed bool

	once  sync.Once
	state *ProcessState
	done  chan struct{}
}

// ProcessState describes a finished command.
type ProcessState struct {
	err    error // set if the connection failed or was closed before the exit status was received
	status int   // -1 if unknown
}

var errDisconnected = errors.New("client disconnected")

// NewProcess wraps an established shell v2 connection, which should no longer
// be used directly.
//
// Stdin is copied to the process, and stdin is closed when it returns an
// error. Output is written to stdout and stderr, ignoring errors. The process
// is done once the device sends the exit status or the connection fails.
func NewProcess(conn net.Conn, stdin io.Reader, stdout, stderr io.Writer) *Process {
	p := &Process{
		netconn: conn,
		conn:    shellproto2.New(conn),
		done:    make(chan struct{}),
	}
	go p.readShell2(stdout, stderr)
	go p.copyStdin(stdin)
	return p
}

// newLegacyProcess wraps an exec or shell v1 connection. Since there is no way
// to half-close a stream, the process won't see EOF on stdin.
func newLegacyProcess(conn net.Conn, stdin io.Reader, stdout io.Writer) *Process {
	p := &Process{
		netconn: conn,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		if stdout == nil {
			stdout = io.Discard
		}
		_, err := io.Copy(stdout, conn)
		if err != nil {
			p.exit(&ProcessState{err: err, status: -1})
		} else {
			p.exit(&ProcessState{status: -1})
		}
	}()
	if stdin != nil {
		go func() {
			io.Copy(conn, stdin)
		}()
	}
	return p
}

func (p *Process) readShell2(stdout, stderr io.Writer) {
	defer close(p.done)
	for {
		id, data, err := p.conn.Read()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			p.exit(&ProcessState{err: fmt.Errorf("connection error: %w", err), status: -1})
			return
		}
		switch id {
		case shellproto2.PacketExit:
			status, err := shellproto2.ExitStatus(data)
			if err != nil {
				p.exit(&ProcessState{err: err, status: -1})
			} else {
				p.exit(&ProcessState{status: status})
			}
			return
		case shellproto2.PacketStdout:
			if stdout != nil {
				stdout.Write(data)
			}
		case shellproto2.PacketStderr:
			if stderr != nil {
				stderr.Write(data)
			}
		}
	}
}

func (p *Process) copyStdin(stdin io.Reader) {
	if stdin == nil {
		p.CloseStdin()
		return
	}
	buf := make([]byte, shellproto2.MaxPayload)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if p.writeStdin(buf[:n]) != nil {
				return
			}
		}
		if err != nil {
			p.CloseStdin()
			return
		}
	}
}

// exit records the state and closes the connection. Only the first call has
// any effect.
func (p *Process) exit(state *ProcessState) {
	p.once.Do(func() {
		p.state = state
		p.netconn.Close()
	})
}

// Disconnect closes the connection, which causes adbd to send SIGHUP to the
// process.
func (p *Process) Disconnect() {
	p.exit(&ProcessState{err: errDisconnected, status: -1})
}

// Resize sets the window size of the process's PTY. It has no effect without a
// PTY or with the exec service.
func (p *Process) Resize(row, col, xpixel, ypixel int) error {
	if p.conn == nil {
		return nil
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	s := shellproto2.WinSize{Row: row, Col: col, XPixel: xpixel, YPixel: ypixel}
	return p.conn.Write(shellproto2.PacketWindowSizeChange, s.AppendBinary(nil))
}

// CloseStdin closes stdin on the device. It has no effect with a PTY or with
// the exec service.
func (p *Process) CloseStdin() error {
	if p.conn == nil {
		return nil
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	return p.conn.Write(shellproto2.PacketCloseStdin, nil)
}

func (p *Process) writeStdin(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.stdinClosed {
		return net.ErrClosed
	}
	return p.conn.Write(shellproto2.PacketStdin, b)
}

// Wait waits for the process to finish and for output to be written. It can
// be called multiple times.
func (p *Process) Wait() *ProcessState {
	<-p.done
	return p.state
}

// Done returns a channel which is closed once the process finishes.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// String describes the exit status.
func (s *ProcessState) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.err != nil {
		switch {
		case s.err == errDisconnected:
			return "client disconnected, SIGHUP sent"
		case errors.Is(s.err, adbproto.ErrConnectionClosed), errors.Is(s.err, net.ErrClosed):
			return "connection closed"
		}
		return s.err.Error()
	}
	if s.status == -1 {
		return "exit status unknown"
	}
	return "exit status " + strconv.Itoa(s.status)
}

// ExitCode returns the exit status, or -1 if it is unknown.
func (s *ProcessState) ExitCode() int {
	if s == nil {
		return -1
	}
	return s.status
}

// Success returns true if the process exited with a zero status, or the exec
// service finished without a connection error.
func (s *ProcessState) Success() bool {
	return s != nil && s.err == nil && s.status <= 0
}

// Exited returns true if the process exited, as opposed to a connection
// error.
func (s *ProcessState) Exited() bool {
	return s != nil && s.err == nil
}
