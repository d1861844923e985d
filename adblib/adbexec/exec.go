// Package adbexec runs commands on a device, similar to [os/exec].
//
// Commands use the shell v2 protocol when the dialer supports it, which
// separates stdout and stderr and reports the exit status. Otherwise, they
// fall back to the exec service, where output is merged and the exit status
// is unknown.
package adbexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/pgaskin/go-adbmux/adb"
	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/shellproto2"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/shell_service.cpp;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1;l=158

// Cmd represents a pending command.
type Cmd struct {
	// Server is the device to run commands on.
	Server adb.Dialer

	// Command is the command to execute with `/system/bin/sh -c`. If empty, an
	// interactive shell is started (but note that this isn't usable without a
	// PTY).
	Command string

	// PTY causes a TTY to be allocated for the process. Stdin can't be closed
	// and stderr is merged into stdout.
	PTY bool

	// Term sets the TERM environment variable.
	Term string

	// Legacy forces the exec service to be used even if shell v2 is
	// supported.
	Legacy bool

	// Stdin is sent to the running command. When it returns an error
	// (including [io.EOF]), stdin is closed on the device. If nil, stdin is
	// closed immediately.
	Stdin io.Reader

	// Stdout receives the output of the command. Write errors are ignored,
	// and slow writes block everything else received from the device.
	Stdout io.Writer

	// Stderr is like Stdout, but for standard error. It is ignored if PTY is
	// set or the exec service is used.
	Stderr io.Writer

	// Process is set once the command is started.
	Process *Process

	// ProcessState is set once the command completes.
	ProcessState *ProcessState

	ctx     context.Context
	closers []io.Closer // closed after the process exits
}

// Shell returns a [Cmd] to execute command on server using the default shell.
func Shell(server adb.Dialer, command string) *Cmd {
	return &Cmd{
		Server:  server,
		Command: command,
	}
}

// ShellContext is like [Shell], but the process is disconnected if ctx is done
// before the command finishes.
func ShellContext(ctx context.Context, server adb.Dialer, command string) *Cmd {
	if ctx == nil {
		panic("nil context")
	}
	cmd := Shell(server, command)
	cmd.ctx = ctx
	return cmd
}

// Command is like [Shell], but quotes the arguments.
func Command(server adb.Dialer, name string, arg ...string) *Cmd {
	return Shell(server, Quote(append([]string{name}, arg...)...))
}

// CommandContext is like [Command], but with a context like [ShellContext].
func CommandContext(ctx context.Context, server adb.Dialer, name string, arg ...string) *Cmd {
	return ShellContext(ctx, server, Quote(append([]string{name}, arg...)...))
}

// Service returns the service which will be opened when c is started.
func (c *Cmd) Service() (string, error) {
	if !c.shell2() {
		if c.PTY {
			return "shell:" + c.Command, nil
		}
		return "exec:" + c.Command, nil
	}
	var b shellproto2.ServiceBuilder
	if c.Term != "" && !b.Term(c.Term) {
		return "", fmt.Errorf("adbexec: invalid TERM %q", c.Term)
	}
	if c.PTY {
		b.PTY()
	} else {
		b.Raw()
	}
	b.Command(c.Command)
	return b.String(), nil
}

func (c *Cmd) shell2() bool {
	return !c.Legacy && adb.SupportsFeature(c.Server, adbproto.FeatureShell2) == nil
}

// Run starts the command and waits for it to finish.
func (c *Cmd) Run() error {
	if err := c.Start(); err != nil {
		return err
	}
	return c.Wait()
}

// Start opens the service and returns once the device has accepted it. Since
// commands always run in a shell, a missing command results in a non-zero
// exit status rather than an error here.
func (c *Cmd) Start() error {
	if c.Process != nil {
		return errors.New("adbexec: already started")
	}
	if c.Server == nil {
		return errors.New("adbexec: no server")
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := c.Service()
	if err != nil {
		return err
	}
	conn, err := c.Server.DialADB(ctx, svc)
	if err != nil {
		c.closeAll()
		return err
	}
	if c.shell2() {
		c.Process = NewProcess(conn, c.Stdin, c.Stdout, c.Stderr)
	} else {
		c.Process = newLegacyProcess(conn, c.Stdin, c.Stdout)
	}
	context.AfterFunc(ctx, c.Process.Disconnect)

	closers := c.closers
	c.closers = nil
	go func() {
		c.Process.Wait()
		for _, p := range closers {
			p.Close()
		}
	}()
	return nil
}

// Wait waits for the command to exit. If it exits with a non-zero status or
// the connection fails, the error is an [*ExitError].
func (c *Cmd) Wait() error {
	if c.Process == nil {
		return errors.New("adbexec: not started")
	}
	if c.ProcessState != nil {
		return errors.New("adbexec: Wait already called")
	}
	c.ProcessState = c.Process.Wait()
	if !c.ProcessState.Success() {
		return &ExitError{ProcessState: c.ProcessState}
	}
	return nil
}

func (c *Cmd) closeAll() {
	for _, p := range c.closers {
		p.Close()
	}
	c.closers = nil
}

// StdinPipe returns a pipe connected to the command's stdin. Callers usually
// need to close it for the command to exit.
func (c *Cmd) StdinPipe() (io.WriteCloser, error) {
	if c.Stdin != nil {
		return nil, errors.New("adbexec: Stdin already set")
	}
	if c.Process != nil {
		return nil, errors.New("adbexec: StdinPipe after process started")
	}
	pr, pw := io.Pipe()
	c.Stdin = pr
	c.closers = append(c.closers, pr)
	return pw, nil
}

// StdoutPipe returns a pipe connected to the command's stdout. It is closed
// once the command exits, so all reads must be done before calling
// [Cmd.Wait].
func (c *Cmd) StdoutPipe() (io.ReadCloser, error) {
	if c.Stdout != nil {
		return nil, errors.New("adbexec: Stdout already set")
	}
	if c.Process != nil {
		return nil, errors.New("adbexec: StdoutPipe after process started")
	}
	pr, pw := io.Pipe()
	c.Stdout = pw
	c.closers = append(c.closers, pw)
	return pr, nil
}

// Output runs the command and returns its stdout. If the command fails and
// Stderr was nil, the end of stderr is included in the [*ExitError].
func (c *Cmd) Output() ([]byte, error) {
	if c.Stdout != nil {
		return nil, errors.New("adbexec: Stdout already set")
	}
	var stdout bytes.Buffer
	c.Stdout = &stdout

	var stderr *tailBuffer
	if c.Stderr == nil {
		stderr = &tailBuffer{N: 32 << 10}
		c.Stderr = stderr
	}

	err := c.Run()
	if ee, ok := err.(*ExitError); ok && stderr != nil {
		ee.Stderr = stderr.Bytes()
	}
	return stdout.Bytes(), err
}

// CombinedOutput runs the command and returns stdout and stderr. Unless PTY is
// set, they may not be interleaved the same way the command wrote them.
func (c *Cmd) CombinedOutput() ([]byte, error) {
	if c.Stdout != nil {
		return nil, errors.New("adbexec: Stdout already set")
	}
	if c.Stderr != nil {
		return nil, errors.New("adbexec: Stderr already set")
	}
	var b bytes.Buffer
	c.Stdout = &b
	c.Stderr = &b
	err := c.Run()
	return b.Bytes(), err
}

// ExitError reports an unsuccessful command.
type ExitError struct {
	*ProcessState

	// Stderr holds the end of stderr if collected by [Cmd.Output].
	Stderr []byte
}

func (e *ExitError) Error() string {
	return e.ProcessState.String()
}

func (e *ExitError) Unwrap() error {
	return e.ProcessState.err
}

// tailBuffer keeps the last N bytes written to it.
type tailBuffer struct {
	N       int
	buf     []byte
	skipped int64
}

func (w *tailBuffer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.N; over > 0 {
		w.skipped += int64(over)
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	return len(p), nil
}

func (w *tailBuffer) Bytes() []byte {
	if w.skipped == 0 {
		return w.buf
	}
	return append([]byte("... omitting "+strconv.FormatInt(w.skipped, 10)+" bytes ...\n"), w.buf...)
}
