// Package adbconn implements the client side of the ADB transport protocol:
// the CNXN/AUTH/STLS handshake with adbd and the multiplexing of service
// streams over a single connection.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/docs/dev/protocol.md;drc=593dc053eb97047637ff813081d9c2de55e17a46
package adbconn

import (
	"log/slog"
	"os"
	"strconv"
)

// debug receives packet-level logs. Set ADBCONN_TRACE=1 to print them to
// stderr.
var debug = envLogger("ADBCONN_TRACE")

func envLogger(env string) *slog.Logger {
	if on, _ := strconv.ParseBool(os.Getenv(env)); !on {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Trace sends packet-level logs to logger, or discards them if it is nil. It
// must be called before any connections are made.
func Trace(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	debug = logger
}
