// Command adbmux talks to Android devices over ADB, either through an ADB
// server or by connecting directly to adbd.
//
//	$ adbmux devices -l
//	$ adbmux -s emulator-5554 shell
//	$ adbmux --connect 192.168.1.20 push ./build.apk /data/local/tmp/
//	$ adbmux forward tcp:8080 localhost:8080
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee exitCodeError
		if errors.As(err, &ee) {
			os.Exit(int(ee))
		}
		fmt.Fprintf(os.Stderr, "adbmux: %v\n", err)
		os.Exit(1)
	}
}

// exitCodeError exits silently with a status code.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}
