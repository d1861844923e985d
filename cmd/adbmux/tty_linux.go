//go:build linux

package main

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}

// makeRaw puts the terminal into raw mode like adb does for interactive
// shells.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/commandline.cpp;l=277-290;drc=08a96199bf8ce0581c366fc9c725351ee127fd21
func makeRaw(f *os.File) (restore func(), err error) {
	fd := int(f.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("get termios: %w", err)
	}
	old := *termios

	termios.Iflag &^= (unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON)
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= (unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN)
	termios.Cflag &^= (unix.CSIZE | unix.PARENB)
	termios.Cflag |= unix.CS8
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return nil, fmt.Errorf("set termios: %w", err)
	}
	return func() {
		unix.IoctlSetTermios(fd, unix.TCSETS, &old)
	}, nil
}

// watchWinsize calls resize with the current window size, then again on every
// SIGWINCH until stop is called.
func watchWinsize(f *os.File, resize func(row, col, xpixel, ypixel int) error) (stop func()) {
	fd := int(f.Fd())
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, unix.SIGWINCH)
	go func() {
		for {
			if ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ); err == nil {
				resize(int(ws.Row), int(ws.Col), int(ws.Xpixel), int(ws.Ypixel))
			}
			select {
			case <-sigs:
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
