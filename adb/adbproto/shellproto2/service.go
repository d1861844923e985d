package shellproto2

import "strings"

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/services.cpp;l=86-123;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1

type ptyMode uint8

const (
	ptyDefault ptyMode = iota // adbd allocates a pty if there is no command
	ptyRaw
	ptyForce
)

// ServiceBuilder builds a "shell,v2" service name. The zero value starts an
// interactive shell with the default pty mode.
type ServiceBuilder struct {
	term string
	mode ptyMode
	cmd  string
}

// Raw disables the pty.
func (s *ServiceBuilder) Raw() { s.mode = ptyRaw }

// PTY forces a pty.
func (s *ServiceBuilder) PTY() { s.mode = ptyForce }

// Term sets TERM for the shell. It returns false and does nothing if term
// can't be represented in a service name.
func (s *ServiceBuilder) Term(term string) bool {
	if strings.ContainsAny(term, ",:\x00") {
		return false
	}
	s.term = term
	return true
}

// Command sets the command to run instead of an interactive shell.
func (s *ServiceBuilder) Command(cmd string) {
	s.cmd = cmd
}

func (s *ServiceBuilder) String() string {
	args := []string{"shell", "v2"}
	if s.term != "" {
		args = append(args, "TERM="+s.term)
	}
	switch s.mode {
	case ptyForce:
		args = append(args, "pty")
	case ptyRaw:
		args = append(args, "raw")
	}
	return strings.Join(args, ",") + ":" + s.cmd
}
