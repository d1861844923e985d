package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pgaskin/go-adbmux/adb"
	"github.com/pgaskin/go-adbmux/adb/adbconn"
	"github.com/pgaskin/go-adbmux/adb/adbhost"
	"github.com/pgaskin/go-adbmux/adb/adbkey"
	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adblib"
	"github.com/pgaskin/go-adbmux/adblib/adbsync"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	connect  string
	host     string
	serial   string
	key      string
	logLevel string
	timeout  time.Duration

	log *slog.Logger
}

func newRootCommand() *cobra.Command {
	g := &globals{
		log: slog.New(slog.DiscardHandler),
	}
	cmd := &cobra.Command{
		Use:   "adbmux",
		Short: "Talk to Android devices over ADB",
		Long: "adbmux talks to Android devices through an ADB server, or directly to adbd over TCP with --connect.\n\n" +
			"ANDROID_SERIAL, ANDROID_ADB_SERVER_ADDRESS, ANDROID_ADB_SERVER_PORT, and ANDROID_USER_HOME are respected like adb.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.init()
		},
	}
	g.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newDevicesCommand(g),
		newTrackCommand(g),
		newShellCommand(g),
		newExecCommand(g),
		newPushCommand(g),
		newPullCommand(g),
		newLsCommand(g),
		newStatCommand(g),
		newForwardCommand(g),
		newKeygenCommand(g),
	)
	return cmd
}

func (g *globals) addFlags(f *pflag.FlagSet) {
	f.StringVar(&g.connect, "connect", os.Getenv("ADBMUX_CONNECT"), "connect directly to adbd at `addr` (port defaults to "+adblib.DefaultDevicePort+") instead of using an ADB server")
	f.StringVarP(&g.host, "host", "H", "", "ADB server `addr` (default "+adbhost.DefaultAddr+")")
	f.StringVarP(&g.serial, "serial", "s", os.Getenv("ANDROID_SERIAL"), "use the device with the given `serial`")
	f.StringVar(&g.key, "key", "", "private key `file` for --connect (default $ANDROID_USER_HOME/adbkey or ~/.android/adbkey)")
	f.StringVar(&g.logLevel, "log-level", "warn", "log `level` (debug, info, warn, error)")
	f.DurationVar(&g.timeout, "timeout", 10*time.Second, "time to wait for a device connection")
}

func (g *globals) init() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", g.logLevel)
	}
	logger := pterm.DefaultLogger.
		WithWriter(os.Stderr).
		WithLevel(ptermLevel(level))
	g.log = slog.New(pterm.NewSlogHandler(logger))

	if level <= slog.LevelDebug {
		adbconn.Trace(g.log.With("component", "adbconn"))
		adbsync.Trace(g.log.With("component", "adbsync"))
	}
	if g.connect != "" && g.host != "" {
		return errors.New("--connect and --host are mutually exclusive")
	}
	return nil
}

func ptermLevel(level slog.Level) pterm.LogLevel {
	switch {
	case level < slog.LevelDebug:
		return pterm.LogLevelTrace
	case level < slog.LevelInfo:
		return pterm.LogLevelDebug
	case level < slog.LevelWarn:
		return pterm.LogLevelInfo
	case level < slog.LevelError:
		return pterm.LogLevelWarn
	default:
		return pterm.LogLevelError
	}
}

// device is a connection to the selected device.
type device struct {
	adb.Dialer

	// Direct is set for --connect.
	Direct *adbconn.Conn
}

func (d *device) SupportsFeature(f adbproto.Feature) bool {
	return adb.SupportsFeature(d.Dialer, f) == nil
}

func (d *device) Close() error {
	if d.Direct != nil {
		return d.Direct.Close()
	}
	return nil
}

// device connects to the device selected by the flags.
func (g *globals) device(ctx context.Context) (*device, error) {
	if g.connect != "" {
		c, err := g.dialDirect(ctx)
		if err != nil {
			return nil, err
		}
		return &device{Dialer: c, Direct: c}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	srv, err := adblib.Connect(ctx, g.host, g.serial)
	if err != nil {
		return nil, err
	}
	if id, ok := srv.TransportID(); ok {
		g.log.Debug("using device", "transport", id, "serial", g.serial)
	}
	return &device{Dialer: srv}, nil
}

// hostDialer returns the ADB server dialer selected by the flags.
func (g *globals) hostDialer() *adbhost.Dialer {
	return &adbhost.Dialer{Addr: g.host}
}

// dialDirect connects to adbd, retrying until the timeout.
func (g *globals) dialDirect(ctx context.Context) (*adbconn.Conn, error) {
	return g.dialDirectBackOff(ctx, exponentialBackOff(g.timeout))
}

func (g *globals) dialDirectBackOff(ctx context.Context, b backoff.BackOff) (*adbconn.Conn, error) {
	key, err := g.loadKey()
	if err != nil {
		return nil, err
	}
	addr := adblib.DeviceAddr(g.connect)
	return retryGet(ctx, b, g.log, "connect "+addr, func() (*adbconn.Conn, error) {
		return adblib.Direct(ctx, addr, key)
	})
}

func (g *globals) loadKey() (*adbkey.Key, error) {
	path := g.key
	if path == "" {
		var err error
		if path, err = adbkey.DefaultPath(); err != nil {
			return nil, fmt.Errorf("find adb key: %w", err)
		}
	}
	key, err := adbkey.LoadOrGenerate(path)
	if err != nil {
		return nil, fmt.Errorf("load adb key: %w", err)
	}
	g.log.Debug("loaded key", "path", path, "fingerprint", key.Fingerprint())
	return key, nil
}
